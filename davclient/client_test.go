package davclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/caldora/internal/httpclient"
	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server"
	authmem "github.com/cyp0633/caldora/server/auth/memory"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/storage/memory"
)

const password = "secret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := storage.Open(context.Background(), memory.New())
	require.NoError(t, err)
	users := authmem.New()
	require.NoError(t, users.AddUser("alice", password))
	require.NoError(t, users.AddUser("bob", password))

	srv := httptest.NewServer(server.NewCaldavHandler(store,
		server.WithPrefix("/caldav/"),
		server.WithAuthenticator(users)))
	t.Cleanup(srv.Close)
	return srv
}

func newEvent(uid, summary string, start time.Time, d time.Duration) *ical.Event {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetText(ical.PropSummary, summary)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	event.Props.SetDateTime(ical.PropDateTimeStart, start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(d))
	return event
}

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	calendarURL := srv.URL + "/caldav/alice/work/"

	client, err := NewDAVClient(calendarURL, WithBasicAuth("alice", password), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	require.NoError(t, client.MakeCalendar(ctx, "Work", ical.CompEvent))

	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	objectURL, etag, err := client.CreateCalendarObject(ctx, newEvent("standup-1", "Standup", start, time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	ctag, err := client.GetCalendarCTag(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, ctag)

	t.Run("get", func(t *testing.T) {
		obj, err := client.GetCalendarObject(ctx, objectURL)
		require.NoError(t, err)
		assert.Equal(t, etag, obj.ETag)
		events := obj.Events()
		require.Len(t, events, 1)
		summary, err := events[0].Props.Text(ical.PropSummary)
		require.NoError(t, err)
		assert.Equal(t, "Standup", summary)
	})

	t.Run("update", func(t *testing.T) {
		newETag, err := client.UpdateCalendarObject(ctx, objectURL, newEvent("standup-1", "Daily standup", start, time.Hour))
		require.NoError(t, err)
		assert.NotEqual(t, etag, newETag)
		etag = newETag

		newCTag, err := client.GetCalendarCTag(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, ctag, newCTag)
	})

	t.Run("query", func(t *testing.T) {
		objects, err := client.GetAllEvents().
			TimeRange(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)).
			Summary("standup").
			Do(ctx)
		require.NoError(t, err)
		require.Len(t, objects, 1)
		assert.Equal(t, etag, objects[0].ETag)
		require.Len(t, objects[0].Events(), 1)

		objects, err = client.GetAllEvents().
			TimeRange(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)).
			Do(ctx)
		require.NoError(t, err)
		assert.Empty(t, objects)

		objects, err = client.GetAllEvents().ETagOnly().Do(ctx)
		require.NoError(t, err)
		require.Len(t, objects, 1)
		assert.Nil(t, objects[0].Calendar)
	})

	t.Run("multiget", func(t *testing.T) {
		objects, err := client.Multiget(ctx, objectURL, calendarURL+"missing.ics")
		require.NoError(t, err)
		require.Len(t, objects, 1)
		assert.Equal(t, etag, objects[0].ETag)
	})

	t.Run("free busy", func(t *testing.T) {
		periods, err := client.FreeBusy(ctx, start.Truncate(24*time.Hour), start.Truncate(24*time.Hour).Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, periods, 1)
		assert.Equal(t, start, periods[0].Start)
		assert.Equal(t, start.Add(time.Hour), periods[0].End)
		assert.Equal(t, "BUSY", periods[0].Type)
	})

	t.Run("discovery", func(t *testing.T) {
		calendars, err := FindCalendars(ctx, srv.URL+"/caldav/", WithBasicAuth("alice", password), WithHTTPClient(srv.Client()))
		require.NoError(t, err)
		require.Len(t, calendars, 1)
		assert.Equal(t, "/caldav/alice/work/", calendars[0].URI)
		assert.Equal(t, "Work", calendars[0].Name)
		assert.Equal(t, []string{ical.CompEvent}, calendars[0].Components)
	})

	t.Run("tickets", func(t *testing.T) {
		tk, err := client.MkTicket(ctx, calendarURL, TicketRequest{Privileges: []string{xml.PrivilegeRead}})
		require.NoError(t, err)
		assert.NotEmpty(t, tk.ID)
		assert.Equal(t, "Infinite", tk.Timeout)

		guest, err := NewDAVClient(calendarURL, WithTicket(tk.ID), WithHTTPClient(srv.Client()))
		require.NoError(t, err)
		objects, err := guest.GetAllEvents().Do(ctx)
		require.NoError(t, err)
		assert.Len(t, objects, 1)

		_, _, err = guest.CreateCalendarObject(ctx, newEvent("guest-1", "Intruder", start, time.Hour))
		assert.True(t, httpclient.IsStatus(err, http.StatusForbidden), "read ticket cannot write: %v", err)

		require.NoError(t, client.DelTicket(ctx, calendarURL, tk.ID))
		_, err = guest.GetAllEvents().Do(ctx)
		assert.True(t, httpclient.IsStatus(err, http.StatusForbidden), "revoked ticket: %v", err)
	})

	t.Run("other principal", func(t *testing.T) {
		bob, err := NewDAVClient(calendarURL, WithBasicAuth("bob", password), WithHTTPClient(srv.Client()))
		require.NoError(t, err)
		_, err = bob.GetCalendarObject(ctx, objectURL)
		assert.True(t, httpclient.IsStatus(err, http.StatusForbidden))
	})

	t.Run("delete", func(t *testing.T) {
		err := client.DeleteCalendarObject(ctx, objectURL, "\"stale\"")
		assert.True(t, httpclient.IsStatus(err, http.StatusPreconditionFailed))

		require.NoError(t, client.DeleteCalendarObject(ctx, objectURL, etag))
		_, err = client.GetCalendarObject(ctx, objectURL)
		assert.True(t, httpclient.IsStatus(err, http.StatusNotFound))
	})
}

func TestFindCalendarsRejectsBadURL(t *testing.T) {
	_, err := FindCalendars(context.Background(), "ftp://example.com/")
	assert.Error(t, err)
	_, err = FindCalendars(context.Background(), "")
	assert.Error(t, err)
}
