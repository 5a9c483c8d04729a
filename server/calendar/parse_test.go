package calendar

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teambition/rrule-go"
)

func ics(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func event(lines ...string) []string {
	out := []string{"BEGIN:VEVENT"}
	out = append(out, lines...)
	return append(out, "END:VEVENT")
}

func wrap(components ...[]string) string {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//Test//EN"}
	for _, c := range components {
		lines = append(lines, c...)
	}
	lines = append(lines, "END:VCALENDAR")
	return ics(lines...)
}

func TestParseRecurringEventWithOverride(t *testing.T) {
	text := wrap(
		event(
			"UID:weekly-1",
			"DTSTAMP:20240101T000000Z",
			"DTSTART;TZID=Europe/Berlin:20240101T100000",
			"DTEND;TZID=Europe/Berlin:20240101T110000",
			"SUMMARY:Standup",
			"RRULE:FREQ=WEEKLY;COUNT=10",
			"EXDATE;TZID=Europe/Berlin:20240115T100000",
		),
		event(
			"UID:weekly-1",
			"DTSTAMP:20240101T000000Z",
			"RECURRENCE-ID;TZID=Europe/Berlin:20240122T100000",
			"DTSTART;TZID=Europe/Berlin:20240122T140000",
			"DTEND;TZID=Europe/Berlin:20240122T150000",
			"SUMMARY:Standup (moved)",
		),
	)

	item, err := Parse(text)
	require.NoError(t, err)

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	assert.Equal(t, ical.CompEvent, item.Kind)
	assert.Equal(t, "weekly-1", item.UID)
	require.NotNil(t, item.Master)
	assert.True(t, item.Master.Start.Time.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, berlin)))
	assert.Equal(t, berlin.String(), item.Master.Loc().String())
	assert.Equal(t, time.Hour, item.Master.EffectiveDuration())
	require.NotNil(t, item.Master.Rule)
	assert.Equal(t, rrule.WEEKLY, item.Master.Rule.Options.Freq)
	assert.Equal(t, 10, item.Master.Rule.Options.Count)
	assert.Equal(t, TerminatesCount, item.Master.Rule.Termination())
	require.Len(t, item.Master.ExDates, 1)
	assert.True(t, item.Master.ExDates[0].Time.Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, berlin)))

	require.Len(t, item.Overrides, 1)
	ov := item.Overrides[0]
	assert.Equal(t, "20240122T090000Z", ov.RecurrenceID.Key())
	assert.Equal(t, "Standup (moved)", ov.Object.Summary)
	assert.False(t, ov.ThisAndFuture)
	assert.True(t, item.Recurring())

	found, ok := item.Override("20240122T090000Z")
	assert.True(t, ok)
	assert.Same(t, ov, found)
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "not a calendar",
			text: "hello world",
			want: "failed to decode",
		},
		{
			name: "no components",
			text: wrap(),
			want: "no calendar component",
		},
		{
			name: "two masters",
			text: wrap(
				event("UID:a", "DTSTART:20240101T100000Z"),
				event("UID:a", "DTSTART:20240102T100000Z"),
			),
			want: "more than one master",
		},
		{
			name: "mixed uids",
			text: wrap(
				event("UID:a", "DTSTART:20240101T100000Z"),
				event("UID:b", "DTSTART:20240102T100000Z"),
			),
			want: "mixes UIDs",
		},
		{
			name: "missing uid",
			text: wrap(event("DTSTART:20240101T100000Z")),
			want: "missing UID",
		},
		{
			name: "missing start",
			text: wrap(event("UID:a", "SUMMARY:x")),
			want: "missing start",
		},
		{
			name: "end and duration",
			text: wrap(event("UID:a", "DTSTART:20240101T100000Z", "DTEND:20240101T110000Z", "DURATION:PT1H")),
			want: "DURATION",
		},
		{
			name: "count and until",
			text: wrap(event("UID:a", "DTSTART:20240101T100000Z", "RRULE:FREQ=DAILY;COUNT=3;UNTIL=20240110T000000Z")),
			want: "mutually exclusive",
		},
		{
			name: "unknown rule part",
			text: wrap(event("UID:a", "DTSTART:20240101T100000Z", "RRULE:FREQ=DAILY;BOGUS=1")),
			want: "invalid rule",
		},
		{
			name: "bad date",
			text: wrap(event("UID:a", "DTSTART:2024-01-01")),
			want: "invalid date value",
		},
		{
			name: "duplicate override",
			text: wrap(
				event("UID:a", "DTSTART:20240101T100000Z", "RRULE:FREQ=DAILY"),
				event("UID:a", "RECURRENCE-ID:20240102T100000Z", "DTSTART:20240102T120000Z"),
				event("UID:a", "RECURRENCE-ID:20240102T100000Z", "DTSTART:20240102T130000Z"),
			),
			want: "duplicate override",
		},
		{
			name: "only overrides",
			text: wrap(event("UID:a", "RECURRENCE-ID:20240102T100000Z", "DTSTART:20240102T120000Z")),
			want: "missing master",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			require.Error(t, err)
			var pe *ParseError
			assert.True(t, errors.As(err, &pe), "want *ParseError, got %T", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseFloatingAndDates(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	text := wrap(event(
		"UID:floating",
		"DTSTART:20240301T090000",
		"RDATE;VALUE=PERIOD:20240305T090000/PT2H",
		"RDATE:20240307T090000",
	))
	item, err := Parse(text, WithDefaultLocation(ny))
	require.NoError(t, err)

	start := item.Master.Start
	assert.True(t, start.Floating)
	assert.True(t, start.Time.Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, ny)))
	assert.Equal(t, time.Duration(0), item.Master.EffectiveDuration())
	require.Len(t, item.Master.RDates, 2)
	assert.Equal(t, 2*time.Hour, item.Master.RDates[0].Duration.OrEmpty())
	assert.True(t, item.Master.RDates[1].Duration.IsAbsent())

	allDay, err := Parse(wrap(event("UID:day", "DTSTART;VALUE=DATE:20240301")))
	require.NoError(t, err)
	assert.True(t, allDay.Master.Start.AllDay)
	assert.Equal(t, 24*time.Hour, allDay.Master.EffectiveDuration())
}

func TestParseToDoAndFreeBusy(t *testing.T) {
	todo, err := Parse(wrap([]string{
		"BEGIN:VTODO",
		"UID:todo-1",
		"DTSTART:20240301T090000Z",
		"DUE:20240301T120000Z",
		"STATUS:needs-action",
		"END:VTODO",
	}))
	require.NoError(t, err)
	assert.Equal(t, ical.CompToDo, todo.Kind)
	assert.True(t, todo.Master.Due.IsPresent())
	assert.Equal(t, 3*time.Hour, todo.Master.EffectiveDuration())
	assert.Equal(t, "NEEDS-ACTION", todo.Master.Status)

	fb, err := Parse(wrap([]string{
		"BEGIN:VFREEBUSY",
		"UID:fb-1",
		"DTSTART:20240301T000000Z",
		"DTEND:20240302T000000Z",
		"FREEBUSY;FBTYPE=BUSY-UNAVAILABLE:20240301T080000Z/20240301T090000Z,20240301T100000Z/PT30M",
		"FREEBUSY:20240301T120000Z/PT1H",
		"END:VFREEBUSY",
	}))
	require.NoError(t, err)
	require.Len(t, fb.Master.FreeBusy, 3)
	assert.Equal(t, FBTypeBusyUnavailable, fb.Master.FreeBusy[0].Type)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), fb.Master.FreeBusy[1].End)
	assert.Equal(t, FBTypeBusy, fb.Master.FreeBusy[2].Type)
}

func TestParseThisAndFuture(t *testing.T) {
	item, err := Parse(wrap(
		event("UID:r", "DTSTART:20240101T100000Z", "RRULE:FREQ=DAILY"),
		event("UID:r", "RECURRENCE-ID;RANGE=THISANDFUTURE:20240105T100000Z", "DTSTART:20240105T120000Z"),
	))
	require.NoError(t, err)
	require.Len(t, item.Overrides, 1)
	assert.True(t, item.Overrides[0].ThisAndFuture)
	assert.Equal(t, TerminatesNever, item.Master.Rule.Termination())
}

func easternVTimezone(tzid string) []string {
	return []string{
		"BEGIN:VTIMEZONE",
		"TZID:" + tzid,
		"BEGIN:STANDARD",
		"DTSTART:16010101T020000",
		"TZOFFSETFROM:-0400",
		"TZOFFSETTO:-0500",
		"TZNAME:EST",
		"RRULE:FREQ=YEARLY;BYDAY=1SU;BYMONTH=11",
		"END:STANDARD",
		"BEGIN:DAYLIGHT",
		"DTSTART:16010101T020000",
		"TZOFFSETFROM:-0500",
		"TZOFFSETTO:-0400",
		"TZNAME:EDT",
		"RRULE:FREQ=YEARLY;BYDAY=2SU;BYMONTH=3",
		"END:DAYLIGHT",
		"END:VTIMEZONE",
	}
}

func TestParseNonIANATimeZones(t *testing.T) {
	tests := []struct {
		name     string
		tzid     string
		timezone []string
		want     time.Time
	}{
		{
			name:     "windows name",
			tzid:     "Eastern Standard Time",
			timezone: easternVTimezone("Eastern Standard Time"),
			want:     time.Date(2024, time.July, 1, 13, 0, 0, 0, time.UTC),
		},
		{
			name: "mozilla prefix",
			tzid: "/mozilla.org/20050126_1/America/Los_Angeles",
			want: time.Date(2024, time.July, 1, 16, 0, 0, 0, time.UTC),
		},
		{
			name:     "custom zone from vtimezone",
			tzid:     "Corporate HQ",
			timezone: easternVTimezone("Corporate HQ"),
			want:     time.Date(2024, time.July, 1, 13, 0, 0, 0, time.UTC),
		},
		{
			name: "unknown zone falls back to default",
			tzid: "Nowhere Standard Time",
			want: time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var comps [][]string
			if tt.timezone != nil {
				comps = append(comps, tt.timezone)
			}
			comps = append(comps, event(
				"UID:tz-1",
				"DTSTAMP:20240101T000000Z",
				"DTSTART;TZID="+tt.tzid+":20240701T090000",
				"DTEND;TZID="+tt.tzid+":20240701T100000",
			))
			item, err := Parse(wrap(comps...))
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(item.Master.Start.Time), "start %v, want %v", item.Master.Start.Time, tt.want)
			assert.Equal(t, time.Hour, item.Master.EffectiveDuration())
		})
	}
}

func TestZoneFromVTimezoneFollowsDaylightRule(t *testing.T) {
	text := wrap(easternVTimezone("Corporate HQ"), event(
		"UID:tz-2",
		"DTSTAMP:20240101T000000Z",
		"DTSTART;TZID=Corporate HQ:20240115T090000",
	))
	item, err := Parse(text)
	require.NoError(t, err)

	loc := item.Master.Start.Time.Location()
	assert.Equal(t, "Corporate HQ", loc.String())
	winter := time.Date(2024, time.January, 15, 9, 0, 0, 0, loc)
	summer := time.Date(2024, time.July, 15, 9, 0, 0, 0, loc)
	assert.True(t, winter.Equal(time.Date(2024, time.January, 15, 14, 0, 0, 0, time.UTC)))
	assert.True(t, summer.Equal(time.Date(2024, time.July, 15, 13, 0, 0, 0, time.UTC)))
	name, _ := summer.Zone()
	assert.Equal(t, "EDT", name)
}
