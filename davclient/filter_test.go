package davclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/caldora/internal/httpclient"
	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server/query"
)

type mockQuerier struct {
	query   xml.Property
	objects []CalendarObject
}

func (m *mockQuerier) executeCalendarQuery(_ context.Context, q xml.Property) ([]CalendarObject, error) {
	m.query = q
	return m.objects, nil
}

// parse runs the built body through the server's parser.
func parse(t *testing.T, f ObjectFilter) *query.Query {
	t.Helper()
	doc := httpclient.Document(f.(*objectFilter).buildCalendarQuery())
	body, err := doc.WriteToString()
	require.NoError(t, err)
	q, err := query.ParseQuery(body)
	require.NoError(t, err, body)
	return q
}

func TestBuildCalendarQuery(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	t.Run("time range and text", func(t *testing.T) {
		f := (&objectFilter{objectType: "VEVENT"}).
			TimeRange(start, end).
			Summary("standup").
			NotStatus("CANCELLED")
		q := parse(t, f)

		assert.Equal(t, []string{xml.Name(xml.DAV, "getetag"), xml.Name(xml.CalDAV, "calendar-data")}, q.Props)
		require.NotNil(t, q.Filter)
		assert.Equal(t, "VCALENDAR", q.Filter.Component)
		require.Len(t, q.Filter.Children, 1)

		event := q.Filter.Children[0]
		assert.Equal(t, "VEVENT", event.Component)
		require.NotNil(t, event.TimeRange)
		assert.Equal(t, start, event.TimeRange.Start.MustGet())
		assert.Equal(t, end, event.TimeRange.End.MustGet())

		require.Len(t, event.PropFilters, 2)
		assert.Equal(t, "SUMMARY", event.PropFilters[0].Name)
		assert.Equal(t, "standup", event.PropFilters[0].TextMatch.Value)
		assert.False(t, event.PropFilters[0].TextMatch.Negate)
		assert.Equal(t, "STATUS", event.PropFilters[1].Name)
		assert.True(t, event.PropFilters[1].TextMatch.Negate)
	})

	t.Run("alarm undefined and etag only", func(t *testing.T) {
		f := (&objectFilter{objectType: "VTODO"}).
			HasAlarm().
			Undefined("COMPLETED").
			Categories("home", "urgent").
			ETagOnly()
		q := parse(t, f)

		assert.Equal(t, []string{xml.Name(xml.DAV, "getetag")}, q.Props)
		todo := q.Filter.Children[0]
		assert.Equal(t, "VTODO", todo.Component)
		require.Len(t, todo.Children, 1)
		assert.Equal(t, "VALARM", todo.Children[0].Component)

		require.Len(t, todo.PropFilters, 3)
		assert.Equal(t, "home", todo.PropFilters[0].TextMatch.Value)
		assert.Equal(t, "urgent", todo.PropFilters[1].TextMatch.Value)
		assert.Equal(t, "COMPLETED", todo.PropFilters[2].Name)
		assert.True(t, todo.PropFilters[2].IsNotDefined)
	})

	t.Run("open ended range", func(t *testing.T) {
		q := parse(t, (&objectFilter{objectType: "VEVENT"}).TimeRange(start, time.Time{}))
		tr := q.Filter.Children[0].TimeRange
		require.NotNil(t, tr)
		assert.True(t, tr.End.IsAbsent())
	})
}

func TestFilterDo(t *testing.T) {
	m := &mockQuerier{objects: []CalendarObject{{URL: "a"}, {URL: "b"}, {URL: "c"}}}
	objects, err := (&objectFilter{client: m, objectType: "VEVENT"}).Priority(1).Limit(2).Do(context.Background())
	require.NoError(t, err)
	assert.Len(t, objects, 2)
	assert.Equal(t, "calendar-query", m.query.Name)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = (&objectFilter{client: m, objectType: "VEVENT"}).TimeRange(start, start).Do(context.Background())
	assert.Error(t, err, "empty range is rejected before sending")
}

func TestParsePeriod(t *testing.T) {
	p, err := parsePeriod("20240110T090000Z/20240110T103000Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, 90*time.Minute, p.End.Sub(p.Start))

	_, err = parsePeriod("20240110T090000Z")
	assert.Error(t, err)
	_, err = parsePeriod("20240110T090000Z/PT1H")
	assert.Error(t, err)
}
