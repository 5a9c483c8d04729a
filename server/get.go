package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/ticket"
)

func (h *CaldavHandler) handleGet(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	var node *storage.Node
	err := h.guard(r.Context(), rc, rc.Path, ticket.Read, func(ctx context.Context) error {
		n, err := h.Store.Resolve(ctx, rc.Path)
		node = n
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if node.IsCollection() {
		h.Logger.Debug("get on collection", "path", rc.Path)
		w.Header().Set(headerAllow, "OPTIONS, PROPFIND, PROPPATCH, REPORT, DELETE, COPY, MOVE, LOCK, UNLOCK, MKTICKET, DELTICKET")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set(headerETag, node.ETag)
	w.Header().Set("Last-Modified", node.Modified.UTC().Format(http.TimeFormat))
	if inm := etagCondition(r.Header.Get(headerIfNoneMatch)); inm.IsPresent() {
		if v := inm.MustGet(); v == "*" || v == node.ETag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	body := node.Item.Bytes()
	w.Header().Set(headerContentType, node.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		h.Logger.Error("failed to write response", "path", rc.Path, "error", err)
	}
}
