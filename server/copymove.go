package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/ticket"
)

// handleCopyMove serves COPY and, with move set, MOVE. Collections are
// always transferred with their whole subtree.
func (h *CaldavHandler) handleCopyMove(w http.ResponseWriter, r *http.Request, rc *RequestContext, move bool) {
	dst, err := h.destination(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if d := r.Header.Get(headerDepth); d != "" {
		if depth, err := storage.ParseDepth(d, storage.DepthInfinity); err != nil || depth == storage.DepthOne {
			h.writeError(w, r, storage.BadRequest("COPY and MOVE Depth must be 0 or infinity"))
			return
		}
	}
	if move && rc.Path == h.homeOf(rc) {
		h.writeError(w, r, storage.Forbidden(rc.Path, "cannot move a home collection"))
		return
	}

	required := ticket.Read
	if move {
		required = ticket.ReadWrite
	}
	var (
		node    *storage.Node
		existed bool
	)
	err = h.guard(r.Context(), rc, rc.Path, required, func(ctx context.Context) error {
		if err := h.allowed(ctx, rc, dst, ticket.ReadWrite); err != nil {
			return err
		}
		_, err := h.Store.Resolve(ctx, dst)
		existed = err == nil
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if move {
			node, err = h.Store.Move(ctx, rc.Path, dst, overwrite(r), h.mutationOptions(rc)...)
		} else {
			node, err = h.Store.Copy(ctx, rc.Path, dst, overwrite(r), h.mutationOptions(rc)...)
		}
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.Logger.Info("resource transferred", "source", rc.Path, "destination", node.Path, "move", move, "overwritten", existed)
	if existed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set(headerLocation, h.URLConverter.EncodePath(node.Path, node.IsCollection()))
	w.WriteHeader(http.StatusCreated)
}
