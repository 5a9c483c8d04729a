package server

import (
	"context"

	"github.com/cyp0633/caldora/server/auth"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/ticket"
)

// owns reports whether the authenticated principal may perform an
// operation needing required on p without a ticket.
func (h *CaldavHandler) owns(ctx context.Context, rc *RequestContext, p string, required ticket.Capability) bool {
	if rc.Principal == nil || h.Auth == nil {
		return false
	}
	if h.Auth.ValidateAccess(ctx, rc.Principal, p) != nil {
		return false
	}
	if ro, ok := h.Auth.(auth.ReadOnlyChecker); ok && required > ticket.Read {
		return !ro.ReadOnly(rc.Principal, p)
	}
	return true
}

// guard runs op when the request may perform an operation needing
// required on p. Owners pass directly. Anyone else needs a ticket, and a
// single-use ticket is spent only if op succeeds.
func (h *CaldavHandler) guard(ctx context.Context, rc *RequestContext, p string, required ticket.Capability, op func(ctx context.Context) error) error {
	if h.owns(ctx, rc, p, required) {
		return op(ctx)
	}
	// Authenticated principals may discover the repository root.
	if p == storage.RootPath && rc.Principal != nil && required <= ticket.Read {
		return op(ctx)
	}
	if rc.TicketID == "" {
		return storage.Forbidden(p, "access denied")
	}
	return h.Tickets.Use(ctx, rc.TicketID, p, required, func(ctx context.Context) error {
		t, err := h.Tickets.Get(ctx, rc.TicketID)
		if err != nil {
			return err
		}
		rc.ticket = t
		return op(ctx)
	})
}

// allowed checks a second path touched by an already guarded request,
// such as a Destination. It never consumes a ticket.
func (h *CaldavHandler) allowed(ctx context.Context, rc *RequestContext, p string, required ticket.Capability) error {
	if h.owns(ctx, rc, p, required) {
		return nil
	}
	if t := rc.ticket; t != nil && !t.Expired(h.Store.Now()) && t.Covers(p) && t.Grants(required) {
		return nil
	}
	return storage.Forbidden(p, "access denied")
}

// visible reports whether p may appear in a listing produced for rc.
func (h *CaldavHandler) visible(ctx context.Context, rc *RequestContext, p string) bool {
	if rc.ticket != nil {
		return rc.ticket.Covers(p)
	}
	return p == storage.RootPath || h.owns(ctx, rc, p, ticket.Read)
}
