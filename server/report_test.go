package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calendarQueryBody = `<?xml version="1.0" encoding="utf-8"?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/><C:calendar-data/></D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="20240110T000000Z" end="20240111T000000Z"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`

func seedReports(t *testing.T, s *testServer) {
	t.Helper()
	s.seed()
	w := s.do(request{method: http.MethodPut, path: "/caldav/alice/work/e2.ics", body: eventICS("e2", "20240320T090000Z", "20240320T100000Z"), user: "alice"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(request{method: http.MethodPut, path: "/caldav/alice/work/e3.ics", body: eventICS("e3", "20240110T093000Z", "20240110T103000Z"), user: "alice"})
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestCalendarQueryReport(t *testing.T) {
	s := newTestServer(t)
	seedReports(t, s)

	w := s.do(request{method: "REPORT", path: "/caldav/alice/work/", body: calendarQueryBody, user: "alice", headers: map[string]string{headerDepth: "1"}})
	require.Equal(t, http.StatusMultiStatus, w.Code, w.Body.String())
	ms := parseMultistatus(t, w.Body.String())
	var hrefs []string
	for _, r := range ms.Responses {
		hrefs = append(hrefs, r.Href)
	}
	assert.ElementsMatch(t, []string{"/caldav/alice/work/e1.ics", "/caldav/alice/work/e3.ics"}, hrefs)
	assert.Contains(t, w.Body.String(), "UID:e1")
	assert.NotContains(t, w.Body.String(), "UID:e2")

	bad := strings.Replace(calendarQueryBody, `name="VCALENDAR"`, `name="VEVENT"`, 1)
	w = s.do(request{method: "REPORT", path: "/caldav/alice/work/", body: bad, user: "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(request{method: "REPORT", path: "/caldav/alice/work/", body: `<D:sync-collection xmlns:D="DAV:"/>`, user: "alice"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "supported-report")
}

func TestCalendarMultigetReport(t *testing.T) {
	s := newTestServer(t)
	seedReports(t, s)

	body := `<?xml version="1.0" encoding="utf-8"?>
<C:calendar-multiget xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/><C:calendar-data/></D:prop>
  <D:href>/caldav/alice/work/e2.ics</D:href>
  <D:href>/caldav/alice/work/missing.ics</D:href>
  <D:href>/caldav/bob/other.ics</D:href>
</C:calendar-multiget>`
	w := s.do(request{method: "REPORT", path: "/caldav/alice/work/", body: body, user: "alice"})
	require.Equal(t, http.StatusMultiStatus, w.Code, w.Body.String())
	ms := parseMultistatus(t, w.Body.String())
	statuses := map[string]string{}
	for _, r := range ms.Responses {
		statuses[r.Href] = r.Status
	}
	require.Len(t, ms.Responses, 3)
	assert.Equal(t, "HTTP/1.1 403 Forbidden", statuses["/caldav/bob/other.ics"])
	assert.Equal(t, "HTTP/1.1 404 Not Found", statuses["/caldav/alice/work/missing.ics"])
	assert.Contains(t, w.Body.String(), "UID:e2")
}

func TestFreeBusyQueryReport(t *testing.T) {
	s := newTestServer(t)
	seedReports(t, s)

	body := `<?xml version="1.0" encoding="utf-8"?>
<C:free-busy-query xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:time-range start="20240110T000000Z" end="20240111T000000Z"/>
</C:free-busy-query>`
	for _, path := range []string{"/caldav/alice/work/", "/caldav/alice/"} {
		w := s.do(request{method: "REPORT", path: path, body: body, user: "alice"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Header().Get(headerContentType), "text/calendar")
		out := w.Body.String()
		assert.Contains(t, out, "BEGIN:VFREEBUSY")
		// e1 and e3 overlap and merge into one busy period.
		assert.Contains(t, out, "20240110T090000Z/20240110T103000Z")
	}

	w := s.do(request{method: "REPORT", path: "/caldav/alice/work/", body: strings.Replace(body, ` end="20240111T000000Z"`, "", 1), user: "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
