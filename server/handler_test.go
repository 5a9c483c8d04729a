package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	authmem "github.com/cyp0633/caldora/server/auth/memory"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "secret"

func crlf(s string) string { return strings.ReplaceAll(s, "\n", "\r\n") }

func eventICS(uid, start, end string) string {
	return crlf(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//caldora//test//EN
BEGIN:VEVENT
UID:` + uid + `
DTSTAMP:20240101T000000Z
DTSTART:` + start + `
DTEND:` + end + `
SUMMARY:` + uid + `
END:VEVENT
END:VCALENDAR
`)
}

type testServer struct {
	t       *testing.T
	handler *CaldavHandler
	store   *storage.Store
	users   *authmem.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.Open(context.Background(), memory.New(), storage.WithLockConfig(storage.LockConfig{
		DefaultTimeout: 10 * time.Minute,
		MaxTimeout:     time.Hour,
		WaitTimeout:    50 * time.Millisecond,
	}))
	require.NoError(t, err)
	users := authmem.New()
	require.NoError(t, users.AddUser("alice", testPassword))
	require.NoError(t, users.AddUser("bob", testPassword))
	h := NewCaldavHandler(store, WithPrefix("/caldav"), WithAuthenticator(users))
	return &testServer{t: t, handler: h, store: store, users: users}
}

type request struct {
	method  string
	path    string
	body    string
	user    string
	headers map[string]string
}

func (s *testServer) do(req request) *httptest.ResponseRecorder {
	s.t.Helper()
	r := httptest.NewRequest(req.method, req.path, strings.NewReader(req.body))
	if req.user != "" {
		r.SetBasicAuth(req.user, testPassword)
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, r)
	return w
}

// seed creates /alice/work as a calendar holding e1.ics.
func (s *testServer) seed() string {
	s.t.Helper()
	w := s.do(request{method: "MKCALENDAR", path: "/caldav/alice/work/", user: "alice"})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(request{
		method:  http.MethodPut,
		path:    "/caldav/alice/work/e1.ics",
		body:    eventICS("e1", "20240110T090000Z", "20240110T100000Z"),
		user:    "alice",
		headers: map[string]string{headerContentType: "text/calendar"},
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	return w.Header().Get(headerETag)
}

func TestOptions(t *testing.T) {
	s := newTestServer(t)
	w := s.do(request{method: http.MethodOptions, path: "/caldav/"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get(headerDAV), "calendar-access")
	assert.Contains(t, w.Header().Get(headerAllow), "MKTICKET")
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	w := s.do(request{method: "PROPFIND", path: "/caldav/alice/"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	r := httptest.NewRequest("PROPFIND", "/caldav/alice/", nil)
	r.SetBasicAuth("alice", "wrong")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHomeProvisioning(t *testing.T) {
	s := newTestServer(t)
	w := s.do(request{method: "PROPFIND", path: "/caldav/alice/", user: "alice", headers: map[string]string{headerDepth: "0"}})
	require.Equal(t, http.StatusMultiStatus, w.Code)
	assert.Contains(t, w.Body.String(), "<D:href>/caldav/alice/</D:href>")

	home, err := s.store.Resolve(context.Background(), "/alice")
	require.NoError(t, err)
	assert.True(t, home.IsCollection())
	assert.False(t, home.IsCalendarCollection())
}

func TestObjectLifecycle(t *testing.T) {
	s := newTestServer(t)
	etag := s.seed()
	require.NotEmpty(t, etag)

	w := s.do(request{method: http.MethodGet, path: "/caldav/alice/work/e1.ics", user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, etag, w.Header().Get(headerETag))
	assert.Contains(t, w.Header().Get(headerContentType), "text/calendar")
	assert.Contains(t, w.Body.String(), "UID:e1")

	w = s.do(request{method: http.MethodHead, path: "/caldav/alice/work/e1.ics", user: "alice"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = s.do(request{method: http.MethodGet, path: "/caldav/alice/work/e1.ics", user: "alice", headers: map[string]string{headerIfNoneMatch: etag}})
	assert.Equal(t, http.StatusNotModified, w.Code)

	// Creating over an existing object is refused with If-None-Match: *.
	w = s.do(request{
		method:  http.MethodPut,
		path:    "/caldav/alice/work/e1.ics",
		body:    eventICS("e1", "20240110T110000Z", "20240110T120000Z"),
		user:    "alice",
		headers: map[string]string{headerIfNoneMatch: "*"},
	})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = s.do(request{
		method:  http.MethodPut,
		path:    "/caldav/alice/work/e1.ics",
		body:    eventICS("e1", "20240110T110000Z", "20240110T120000Z"),
		user:    "alice",
		headers: map[string]string{headerIfMatch: etag},
	})
	require.Equal(t, http.StatusNoContent, w.Code)
	updated := w.Header().Get(headerETag)
	assert.NotEqual(t, etag, updated)

	w = s.do(request{method: http.MethodDelete, path: "/caldav/alice/work/e1.ics", user: "alice", headers: map[string]string{headerIfMatch: etag}})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = s.do(request{method: http.MethodDelete, path: "/caldav/alice/work/e1.ics", user: "alice", headers: map[string]string{headerIfMatch: updated}})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(request{method: http.MethodGet, path: "/caldav/alice/work/e1.ics", user: "alice"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPutErrors(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"invalid calendar data", "/caldav/alice/work/bad.ics", "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n", http.StatusBadRequest},
		{"uid clash", "/caldav/alice/work/dup.ics", eventICS("e1", "20240111T090000Z", "20240111T100000Z"), http.StatusConflict},
		{"missing parent", "/caldav/alice/nowhere/e.ics", eventICS("x", "20240111T090000Z", "20240111T100000Z"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(request{method: http.MethodPut, path: tt.path, body: tt.body, user: "alice", headers: map[string]string{headerContentType: "text/calendar"}})
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestCrossPrincipalAccess(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	w := s.do(request{method: http.MethodGet, path: "/caldav/alice/work/e1.ics", user: "bob"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(request{method: http.MethodDelete, path: "/caldav/alice/work/e1.ics", user: "bob"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(request{method: "PROPFIND", path: "/caldav/", user: "bob", headers: map[string]string{headerDepth: "1"}})
	require.Equal(t, http.StatusMultiStatus, w.Code)
	assert.Contains(t, w.Body.String(), "/caldav/bob/")
	assert.NotContains(t, w.Body.String(), "/caldav/alice/")
}

func TestGrantedAccess(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	require.NoError(t, s.users.Grant("bob", "/alice/work", true))

	w := s.do(request{method: http.MethodGet, path: "/caldav/alice/work/e1.ics", user: "bob"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(request{method: http.MethodDelete, path: "/caldav/alice/work/e1.ics", user: "bob"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(request{method: "MKTICKET", path: "/caldav/alice/work/", user: "bob"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	require.NoError(t, s.users.Grant("bob", "/alice/work", false))
	w = s.do(request{method: http.MethodDelete, path: "/caldav/alice/work/e1.ics", user: "bob"})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	w := s.do(request{method: "PATCH", path: "/caldav/alice/", user: "alice"})
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.NotEmpty(t, w.Header().Get(headerAllow))
}

func TestPathOutsidePrefix(t *testing.T) {
	s := newTestServer(t)
	w := s.do(request{method: http.MethodGet, path: "/other/alice/", user: "alice"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{storage.NotFound("/a"), http.StatusNotFound},
		{&storage.Error{Type: storage.ErrConflict}, http.StatusConflict},
		{&storage.Error{Type: storage.ErrPreconditionFailed}, http.StatusPreconditionFailed},
		{&storage.Error{Type: storage.ErrLocked}, http.StatusLocked},
		{storage.Forbidden("/a", "no"), http.StatusForbidden},
		{storage.BadRequest("bad"), http.StatusBadRequest},
		{&storage.Error{Type: storage.ErrParse}, http.StatusBadRequest},
		{&storage.Error{Type: storage.ErrUnavailable}, http.StatusServiceUnavailable},
		{&storage.Error{Type: storage.ErrLimitExceeded}, http.StatusInsufficientStorage},
		{context.Canceled, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}

func TestServeWellKnown(t *testing.T) {
	s := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/.well-known/caldav", nil)
	w := httptest.NewRecorder()
	s.handler.ServeWellKnown(w, r)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "/caldav/", w.Header().Get(headerLocation))
}
