package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/ticket"
)

// capabilitiesFor maps ticketinfo privileges to ticket capabilities.
func capabilitiesFor(privileges []string) []ticket.Capability {
	var caps []ticket.Capability
	for _, p := range privileges {
		switch p {
		case xml.PrivilegeRead:
			caps = append(caps, ticket.Read)
		case xml.PrivilegeWrite:
			caps = append(caps, ticket.ReadWrite)
		case xml.PrivilegeFreeBusy:
			caps = append(caps, ticket.FreeBusy)
		}
	}
	return caps
}

// issueOptions turns the timeout and visits of a ticketinfo into issue
// options. Only unlimited and single visits are supported.
func issueOptions(info *xml.TicketInfo) ([]ticket.IssueOption, error) {
	var opts []ticket.IssueOption
	switch {
	case strings.EqualFold(info.Timeout, "Infinite"):
		opts = append(opts, ticket.WithExpiry(0))
	default:
		d := parseTimeout(info.Timeout)
		if d <= 0 {
			return nil, storage.BadRequest("invalid ticket timeout %q", info.Timeout)
		}
		opts = append(opts, ticket.WithExpiry(d))
	}
	switch visits := strings.ToLower(info.Visits); visits {
	case "infinity", "":
	case "1":
		opts = append(opts, ticket.WithSingleUse())
	default:
		if _, err := strconv.Atoi(visits); err != nil {
			return nil, storage.BadRequest("invalid ticket visits %q", info.Visits)
		}
		return nil, storage.BadRequest("unsupported ticket visits %q", info.Visits)
	}
	return opts, nil
}

// ticketInfo renders t for ticketdiscovery.
func (h *CaldavHandler) ticketInfo(t *ticket.Ticket) xml.TicketInfo {
	info := xml.TicketInfo{
		ID:      t.ID,
		Timeout: t.Timeout(h.Store.Now()),
		Visits:  "infinity",
	}
	if t.Owner != "" {
		info.Owner = h.URLConverter.EncodePath(storage.PrincipalHome(t.Owner), true)
	}
	if t.SingleUse {
		info.Visits = "1"
		if t.Consumed {
			info.Visits = "0"
		}
	}
	for _, c := range t.Capabilities {
		switch c {
		case ticket.ReadWrite:
			info.Privileges = append(info.Privileges, xml.PrivilegeRead, xml.PrivilegeWrite)
		case ticket.Read:
			info.Privileges = append(info.Privileges, xml.PrivilegeRead)
		case ticket.FreeBusy:
			info.Privileges = append(info.Privileges, xml.PrivilegeFreeBusy)
		}
	}
	return info
}

// ticketsOn lists the tickets on n the request may see. Owners see every
// ticket; a ticket holder sees only its own.
func (h *CaldavHandler) ticketsOn(ctx context.Context, rc *RequestContext, n *storage.Node) []*ticket.Ticket {
	if h.owns(ctx, rc, n.Path, ticket.ReadWrite) {
		tickets, err := h.Tickets.List(ctx, n.Path)
		if err != nil {
			h.Logger.Error("failed to list tickets", "path", n.Path, "error", err)
			return nil
		}
		return tickets
	}
	if rc.ticket != nil && rc.ticket.NodeID == n.ID {
		return []*ticket.Ticket{rc.ticket}
	}
	return nil
}

func (h *CaldavHandler) handleMkticket(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	if !h.owns(r.Context(), rc, rc.Path, ticket.ReadWrite) {
		h.writeError(w, r, storage.Forbidden(rc.Path, "only the owner may issue tickets"))
		return
	}
	doc, err := xml.ReadDocument(r.Body)
	if err != nil {
		h.writeError(w, r, storage.BadRequest("%v", err))
		return
	}
	info, err := xml.ParseTicketInfo(doc)
	if err != nil {
		h.writeError(w, r, storage.BadRequest("%v", err))
		return
	}
	opts, err := issueOptions(info)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	opts = append(opts, ticket.WithOwner(rc.Principal.ID))
	// Depth 0 limits the ticket to the resource itself.
	if depth, err := storage.ParseDepth(r.Header.Get(headerDepth), storage.DepthInfinity); err != nil {
		h.writeError(w, r, storage.BadRequest("invalid Depth header: %v", err))
		return
	} else if depth == storage.DepthZero {
		opts = append(opts, ticket.WithRestricted())
	}

	t, err := h.Tickets.Issue(r.Context(), rc.Path, capabilitiesFor(info.Privileges), opts...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("ticket created", "path", t.Path, "ticket_id", t.ID, "principal", rc.Principal.ID)
	w.Header().Set(headerTicket, t.ID)
	w.Header().Set(headerContentType, mimeTypeXML)
	w.WriteHeader(http.StatusOK)
	doc = xml.PropDocument(xml.TicketDiscovery([]xml.TicketInfo{h.ticketInfo(t)}))
	if _, err := doc.WriteTo(w); err != nil {
		h.Logger.Error("failed to write ticket response", "error", err)
	}
}

func (h *CaldavHandler) handleDelticket(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	id := strings.TrimSpace(r.Header.Get(headerTicket))
	if id == "" {
		h.writeError(w, r, storage.BadRequest("missing Ticket header"))
		return
	}
	if !h.owns(r.Context(), rc, rc.Path, ticket.ReadWrite) {
		h.writeError(w, r, storage.Forbidden(rc.Path, "only the owner may delete tickets"))
		return
	}
	t, err := h.Tickets.Get(r.Context(), id)
	if err == nil && t.Path != rc.Path {
		err = storage.NotFound(rc.Path)
	}
	if err == nil {
		err = h.Tickets.Revoke(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.Logger.Debug("ticket not found for deletion", "path", rc.Path, "ticket_id", id)
		}
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
