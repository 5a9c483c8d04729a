package main

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/cyp0633/caldora/internal/config"
	"github.com/cyp0633/caldora/server/storage"
)

const propCalendarColor = "{http://apple.com/ns/ical/}calendar-color"

type sampleCalendar struct {
	name, display, color string
	events               []sampleEvent
}

type sampleEvent struct {
	summary, location string
	offset, length    time.Duration
}

var sampleCalendars = []sampleCalendar{
	{"default", "Default", "#0000FF", []sampleEvent{
		{"Meeting with Team", "Conference Room A", 24 * time.Hour, time.Hour},
		{"Doctor Appointment", "Medical Center", 48 * time.Hour, time.Hour},
	}},
	{"work", "Work", "#FF0000", []sampleEvent{
		{"Project Review", "Office", 3 * 24 * time.Hour, 2 * time.Hour},
		{"Client Meeting", "Client HQ", 5 * 24 * time.Hour, 3 * time.Hour},
	}},
}

// seedStore gives every user a home with two calendars of events
// relative to now. Existing homes are left alone.
func seedStore(ctx context.Context, store *storage.Store, users []config.User, now time.Time) error {
	for _, u := range users {
		_, err := store.Create(ctx, storage.RootPath, u.Username, storage.CollectionContent(storage.CollectionData{}), storage.WithOwner(u.Username))
		if storage.TypeOf(err) == storage.ErrConflict {
			continue
		}
		if err != nil {
			return err
		}
		home := path.Join(storage.RootPath, u.Username)
		for _, c := range sampleCalendars {
			if err := seedCalendar(ctx, store, u.Username, home, c, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func seedCalendar(ctx context.Context, store *storage.Store, owner, home string, c sampleCalendar, now time.Time) error {
	col := storage.CollectionData{Calendar: true, SupportedComponents: []string{ical.CompEvent}}
	n, err := store.Create(ctx, home, c.name, storage.CollectionContent(col), storage.WithOwner(owner))
	if err != nil {
		return fmt.Errorf("creating %s/%s: %w", home, c.name, err)
	}
	props := map[string]string{storage.PropDisplayName: c.display, propCalendarColor: c.color}
	if _, err := store.SetProperties(ctx, n.Path, "", props, nil, storage.WithOwner(owner)); err != nil {
		return err
	}
	for _, e := range c.events {
		uid := uuid.NewString()
		text, err := eventText(uid, e, now)
		if err != nil {
			return err
		}
		p := path.Join(n.Path, uid[:8]+".ics")
		cond := storage.Conditions{IfNoneMatch: mo.Some("*")}
		if _, _, err := store.Put(ctx, p, storage.CalendarContent(text), cond, storage.WithOwner(owner)); err != nil {
			return fmt.Errorf("storing %s: %w", p, err)
		}
	}
	return nil
}

func eventText(uid string, e sampleEvent, now time.Time) (string, error) {
	start := now.Add(e.offset).UTC().Truncate(time.Minute)

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetText(ical.PropSummary, e.summary)
	event.Props.SetText(ical.PropLocation, e.location)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(e.length))

	return storage.ComponentsToICS(event.Component)
}
