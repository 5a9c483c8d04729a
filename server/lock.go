package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/ticket"
)

// activeLocks renders locks for lockdiscovery.
func (h *CaldavHandler) activeLocks(locks []*storage.Lock) []xml.ActiveLock {
	now := h.Store.Now()
	out := make([]xml.ActiveLock, 0, len(locks))
	for _, l := range locks {
		out = append(out, xml.ActiveLock{
			Token:   l.Token,
			Root:    h.URLConverter.EncodePath(l.Root, false),
			Owner:   l.Owner,
			Shared:  l.Scope == storage.LockShared,
			Depth:   l.Depth.String(),
			Timeout: formatTimeout(remaining(l.Expires, now)),
		})
	}
	return out
}

// remaining is the time left until expires, at least a second.
func remaining(expires, now time.Time) time.Duration {
	if expires.IsZero() {
		return 0
	}
	return max(expires.Sub(now).Round(time.Second), time.Second)
}

func (h *CaldavHandler) handleLock(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	doc, err := xml.ReadDocument(r.Body)
	if errors.Is(err, xml.ErrEmptyBody) {
		h.refreshLock(w, r, rc)
		return
	}
	if err != nil {
		h.writeError(w, r, storage.BadRequest("%v", err))
		return
	}
	info, err := xml.ParseLockInfo(doc)
	if err != nil {
		h.writeError(w, r, storage.BadRequest("%v", err))
		return
	}
	depth, err := storage.ParseDepth(r.Header.Get(headerDepth), storage.DepthInfinity)
	if err != nil || depth == storage.DepthOne {
		h.writeError(w, r, storage.BadRequest("LOCK Depth must be 0 or infinity"))
		return
	}

	req := storage.LockRequest{
		Owner:   info.Owner,
		Scope:   storage.LockExclusive,
		Depth:   depth,
		Timeout: parseTimeout(r.Header.Get(headerTimeout)),
	}
	if info.Shared {
		req.Scope = storage.LockShared
	}
	if req.Owner == "" && rc.Principal != nil {
		req.Owner = rc.Principal.ID
	}

	var lock *storage.Lock
	err = h.guard(r.Context(), rc, rc.Path, ticket.ReadWrite, func(ctx context.Context) error {
		l, err := h.Store.Lock(ctx, rc.Path, req, rc.LockTokens...)
		lock = l
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("lock created", "path", rc.Path, "lock_token", lock.Token, "scope", lock.Scope, "depth", lock.Depth)
	w.Header().Set(headerLockToken, "<"+lock.Token+">")
	h.writeLockDiscovery(w, lock)
}

// refreshLock serves a LOCK without body, which restarts the timeout of
// the lock named in the If header.
func (h *CaldavHandler) refreshLock(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	if len(rc.LockTokens) == 0 {
		h.writeError(w, r, storage.BadRequest("lock refresh needs a lock token in the If header"))
		return
	}
	var lock *storage.Lock
	err := h.guard(r.Context(), rc, rc.Path, ticket.ReadWrite, func(ctx context.Context) error {
		l, err := h.Store.RefreshLock(ctx, rc.LockTokens[0], parseTimeout(r.Header.Get(headerTimeout)))
		if err != nil {
			return err
		}
		if !l.Covers(rc.Path) {
			return &storage.Error{Type: storage.ErrPreconditionFailed, Path: rc.Path, Message: "lock does not cover resource"}
		}
		lock = l
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Debug("lock refreshed", "path", rc.Path, "lock_token", lock.Token, "expires", lock.Expires)
	h.writeLockDiscovery(w, lock)
}

func (h *CaldavHandler) writeLockDiscovery(w http.ResponseWriter, lock *storage.Lock) {
	doc := xml.PropDocument(xml.LockDiscovery(h.activeLocks([]*storage.Lock{lock})))
	w.Header().Set(headerContentType, mimeTypeXML)
	w.WriteHeader(http.StatusOK)
	if _, err := doc.WriteTo(w); err != nil {
		h.Logger.Error("failed to write lock response", "error", err)
	}
}

func (h *CaldavHandler) handleUnlock(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	token := strings.TrimSpace(r.Header.Get(headerLockToken))
	token = strings.TrimSuffix(strings.TrimPrefix(token, "<"), ">")
	if token == "" {
		h.writeError(w, r, storage.BadRequest("missing Lock-Token header"))
		return
	}
	err := h.guard(r.Context(), rc, rc.Path, ticket.ReadWrite, func(ctx context.Context) error {
		return h.Store.Unlock(ctx, rc.Path, token)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
