package server

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server/freebusy"
	"github.com/cyp0633/caldora/server/query"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/ticket"
	"github.com/emersion/go-ical"
)

// handleReport routes a REPORT by the root element of its body.
func (h *CaldavHandler) handleReport(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := query.ReportType(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Debug("report received", "path", rc.Path, "report", report)

	switch report {
	case "calendar-query":
		h.handleCalendarQuery(w, r, rc, body)
	case "calendar-multiget":
		h.handleCalendarMultiget(w, r, rc, body)
	case "free-busy-query":
		h.handleFreeBusyQuery(w, r, rc, body)
	default:
		h.Logger.Info("unsupported report", "report", report)
		h.writeXMLError(w, http.StatusForbidden, xml.Error{Namespace: xml.DAV, Tag: "supported-report"})
	}
}

func (h *CaldavHandler) handleCalendarQuery(w http.ResponseWriter, r *http.Request, rc *RequestContext, body string) {
	q, err := query.ParseQuery(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req := &xml.PropfindRequest{Props: q.Props, AllProp: q.AllProp}

	ms := &xml.MultistatusResponse{}
	err = h.guard(r.Context(), rc, rc.Path, ticket.Read, func(ctx context.Context) error {
		results, err := h.Queries.Evaluate(ctx, rc.Path, q.Filter)
		if err != nil {
			return err
		}
		for _, res := range results {
			if !h.visible(ctx, rc, res.Node.Path) {
				continue
			}
			ms.Responses = append(ms.Responses, h.propResponse(ctx, rc, res.Node, req))
		}
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("calendar-query served", "path", rc.Path, "matches", len(ms.Responses))
	h.writeMultistatus(w, ms)
}

func (h *CaldavHandler) handleCalendarMultiget(w http.ResponseWriter, r *http.Request, rc *RequestContext, body string) {
	m, err := query.ParseMultiget(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req := &xml.PropfindRequest{Props: m.Props, AllProp: m.AllProp}

	ms := &xml.MultistatusResponse{}
	err = h.guard(r.Context(), rc, rc.Path, ticket.Read, func(ctx context.Context) error {
		// Members outside the request subtree, or hidden from the
		// requester, are refused one by one.
		var paths []string
		for _, href := range m.Hrefs {
			p, err := h.URLConverter.ParsePath(href)
			switch {
			case err != nil:
				ms.Responses = append(ms.Responses, xml.NewStatusResponse(href, http.StatusNotFound))
			case !storage.IsAncestor(rc.Path, p) || !h.visible(ctx, rc, p):
				ms.Responses = append(ms.Responses, xml.NewStatusResponse(href, http.StatusForbidden))
			default:
				paths = append(paths, p)
			}
		}
		results, err := h.Queries.Multiget(ctx, paths)
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.Err != nil {
				ms.Responses = append(ms.Responses, xml.NewStatusResponse(h.URLConverter.EncodePath(res.Path, false), statusFor(res.Err)))
				continue
			}
			ms.Responses = append(ms.Responses, h.propResponse(ctx, rc, res.Result.Node, req))
		}
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("calendar-multiget served", "path", rc.Path, "hrefs", len(m.Hrefs))
	h.writeMultistatus(w, ms)
}

// handleFreeBusyQuery reports busy time for a calendar collection, a
// calendar item, or every opaque calendar of a home collection.
func (h *CaldavHandler) handleFreeBusyQuery(w http.ResponseWriter, r *http.Request, rc *RequestContext, body string) {
	start, end, err := query.ParseFreeBusyQuery(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var intervals []freebusy.Interval
	err = h.guard(r.Context(), rc, rc.Path, ticket.FreeBusy, func(ctx context.Context) error {
		n, err := h.Store.Resolve(ctx, rc.Path)
		if err != nil {
			return err
		}
		switch n.Variant() {
		case storage.VariantCalendarCollection:
			intervals, err = h.FreeBusy.AggregateCollection(ctx, n.Path, start, end)
		case storage.VariantCalendarItem:
			item, _ := n.CalendarItem()
			intervals, err = h.FreeBusy.AggregateItem(item, start, end)
		case storage.VariantCollection:
			if principal := storage.PrincipalOf(n.Path); n.Path == storage.PrincipalHome(principal) {
				intervals, err = h.FreeBusy.Aggregate(ctx, principal, start, end)
			} else {
				err = storage.BadRequest("free-busy-query on %s needs a calendar collection or home", n.Path)
			}
		default:
			err = storage.BadRequest("free-busy-query on %s needs calendar data", n.Path)
		}
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	cal := freebusy.Render(intervals, start, end, freebusy.RenderOptions{Stamp: h.Store.Now()})
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		h.writeError(w, r, &storage.Error{Type: storage.ErrUnavailable, Message: "failed to encode free-busy", Err: err})
		return
	}
	h.Logger.Info("free-busy-query served", "path", rc.Path, "start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339), "intervals", len(intervals))
	w.Header().Set(headerContentType, mimeTypeCalendar)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.Logger.Error("failed to write free-busy response", "error", err)
	}
}
