package server

import (
	"context"
	"net/http"

	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/ticket"
)

func (h *CaldavHandler) handleDelete(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	if rc.Path == storage.RootPath || rc.Path == h.homeOf(rc) {
		h.writeError(w, r, storage.Forbidden(rc.Path, "cannot delete a home collection"))
		return
	}
	ifMatch := etagCondition(r.Header.Get(headerIfMatch))
	err := h.guard(r.Context(), rc, rc.Path, ticket.ReadWrite, func(ctx context.Context) error {
		return h.Store.Delete(ctx, rc.Path, ifMatch, h.mutationOptions(rc)...)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("resource deleted", "path", rc.Path)
	w.WriteHeader(http.StatusNoContent)
}

// homeOf returns the home collection of the request principal, or "".
func (h *CaldavHandler) homeOf(rc *RequestContext) string {
	if rc.Principal == nil {
		return ""
	}
	return storage.PrincipalHome(rc.Principal.ID)
}
