package server

import (
	"context"
	"mime"
	"net/http"
	"strings"

	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/ticket"
)

// contentFor turns a PUT body into store content. text/calendar bodies,
// and untyped bodies that look like iCalendar, become calendar items.
func contentFor(contentType, body string) storage.Content {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}
	switch {
	case mediaType == "text/calendar":
		return storage.CalendarContent(body)
	case mediaType == "" && strings.HasPrefix(strings.TrimSpace(body), "BEGIN:VCALENDAR"):
		return storage.CalendarContent(body)
	default:
		return storage.FileContent([]byte(body), contentType)
	}
}

func (h *CaldavHandler) handlePut(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	content := contentFor(r.Header.Get(headerContentType), body)
	cond := storage.Conditions{
		IfMatch:     etagCondition(r.Header.Get(headerIfMatch)),
		IfNoneMatch: etagCondition(r.Header.Get(headerIfNoneMatch)),
	}

	var (
		node    *storage.Node
		created bool
	)
	err = h.guard(r.Context(), rc, rc.Path, ticket.ReadWrite, func(ctx context.Context) error {
		var err error
		node, created, err = h.Store.Put(ctx, rc.Path, content, cond, h.mutationOptions(rc)...)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set(headerETag, node.ETag)
	if created {
		h.Logger.Info("object created", "path", node.Path, "etag", node.ETag)
		w.Header().Set(headerLocation, h.URLConverter.EncodePath(node.Path, false))
		w.WriteHeader(http.StatusCreated)
		return
	}
	h.Logger.Info("object updated", "path", node.Path, "etag", node.ETag)
	w.WriteHeader(http.StatusNoContent)
}

// mutationOptions passes the lock tokens and identity of the request to
// the store.
func (h *CaldavHandler) mutationOptions(rc *RequestContext) []storage.MutationOption {
	opts := []storage.MutationOption{storage.WithLockTokens(rc.LockTokens...)}
	if rc.Principal != nil {
		opts = append(opts, storage.WithOwner(rc.Principal.ID))
	}
	return opts
}
