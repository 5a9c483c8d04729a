package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/ticket"
	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

var (
	propCalendarTimezone   = xml.Name(xml.CalDAV, "calendar-timezone")
	propCalendarTimezoneID = xml.Name(xml.CalDAV, "calendar-timezone-id")
)

// timezoneID extracts the TZID of the VTIMEZONE in a calendar-timezone
// property value.
func timezoneID(text string) (string, error) {
	cal, err := ical.NewDecoder(strings.NewReader(text)).Decode()
	if err != nil {
		return "", &storage.Error{Type: storage.ErrParse, Message: "invalid calendar-timezone", Err: err}
	}
	for _, child := range cal.Children {
		if child.Name != ical.CompTimezone {
			continue
		}
		if id, err := child.Props.Text(ical.PropTimezoneID); err == nil && id != "" {
			return id, nil
		}
	}
	return "", storage.BadRequest("calendar-timezone has no VTIMEZONE with a TZID")
}

// collectionFor builds the collection a MKCOL or MKCALENDAR request asks
// for and removes the properties it consumed from req.
func collectionFor(req *xml.MkcolRequest) (storage.CollectionData, error) {
	data := storage.CollectionData{Calendar: req.Calendar}
	if !req.Calendar {
		return data, nil
	}
	data.SupportedComponents = req.Components
	if tz, ok := req.Props.Set[propCalendarTimezone]; ok {
		id, err := timezoneID(tz)
		if err != nil {
			return data, err
		}
		data.TimeZone = id
		delete(req.Props.Set, propCalendarTimezone)
	}
	if id, ok := req.Props.Set[propCalendarTimezoneID]; ok {
		data.TimeZone = id
		delete(req.Props.Set, propCalendarTimezoneID)
	}
	return data, nil
}

// handleMkcol serves MKCOL and, with calendar set, MKCALENDAR.
func (h *CaldavHandler) handleMkcol(w http.ResponseWriter, r *http.Request, rc *RequestContext, calendar bool) {
	doc, err := xml.ReadDocument(r.Body)
	if err != nil && !errors.Is(err, xml.ErrEmptyBody) {
		h.writeError(w, r, storage.BadRequest("%v", err))
		return
	}
	req, err := xml.ParseMkcol(doc, calendar)
	if err != nil {
		h.writeError(w, r, storage.BadRequest("%v", err))
		return
	}
	normalizeUpdate(req.Props)
	data, err := collectionFor(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	parent, name := storage.SplitPath(rc.Path)
	var node *storage.Node
	err = h.guard(r.Context(), rc, rc.Path, ticket.ReadWrite, func(ctx context.Context) error {
		n, err := h.Store.Create(ctx, parent, name, storage.CollectionContent(data), h.mutationOptions(rc)...)
		if err != nil {
			return err
		}
		node = n
		if len(req.Props.Set) == 0 {
			return nil
		}
		if _, err := h.Store.SetProperties(ctx, n.Path, n.ETag, req.Props.Set, nil, h.mutationOptions(rc)...); err != nil {
			// The collection and its properties are created together or not at all.
			if delErr := h.Store.Delete(context.WithoutCancel(ctx), n.Path, mo.None[string](), h.mutationOptions(rc)...); delErr != nil {
				h.Logger.Error("failed to roll back collection", "path", n.Path, "error", delErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("collection created", "path", node.Path, "calendar", data.Calendar, "components", data.SupportedComponents)
	w.Header().Set(headerLocation, h.URLConverter.EncodePath(node.Path, true))
	w.WriteHeader(http.StatusCreated)
}
