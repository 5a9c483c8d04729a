package storage

import (
	"cmp"
	"context"
	"slices"
	"time"
)

// TicketRecord is the persisted form of a ticket. It lives on the node it
// grants access to and is destroyed with it.
type TicketRecord struct {
	ID           string    `cbor:"id"`
	Owner        string    `cbor:"owner,omitempty"`
	Capabilities []string  `cbor:"caps"`
	Created      time.Time `cbor:"created"`
	// Expires is zero for tickets without a timeout.
	Expires    time.Time `cbor:"expires"`
	SingleUse  bool      `cbor:"single_use,omitempty"`
	Consumed   bool      `cbor:"consumed,omitempty"`
	Restricted bool      `cbor:"restricted,omitempty"`
}

// Expired reports whether the ticket timed out at now.
func (t TicketRecord) Expired(now time.Time) bool {
	return !t.Expires.IsZero() && !now.Before(t.Expires)
}

func (t TicketRecord) equal(o TicketRecord) bool {
	return t.ID == o.ID && t.Owner == o.Owner && slices.Equal(t.Capabilities, o.Capabilities) &&
		t.Created.Equal(o.Created) && t.Expires.Equal(o.Expires) &&
		t.SingleUse == o.SingleUse && t.Consumed == o.Consumed && t.Restricted == o.Restricted
}

func withTicket(n *Node, rec TicketRecord) *Node {
	cp := n.clone()
	i := slices.IndexFunc(cp.Tickets, func(t TicketRecord) bool { return t.ID == rec.ID })
	if i >= 0 {
		cp.Tickets[i] = rec
	} else {
		cp.Tickets = append(cp.Tickets, rec)
	}
	return cp
}

func withoutTickets(n *Node, drop func(TicketRecord) bool) *Node {
	cp := n.clone()
	cp.Tickets = slices.DeleteFunc(cp.Tickets, drop)
	if len(cp.Tickets) == 0 {
		cp.Tickets = nil
	}
	return cp
}

// ticketScope is the conflict key of a ticket id. No node path starts
// with a NUL byte.
func ticketScope(id string) string { return "/\x00ticket/" + id }

// AddTicket attaches rec to the node at p. Tickets are not part of the
// node ETag.
func (s *Store) AddTicket(ctx context.Context, p string, rec TicketRecord) (*Node, error) {
	p = CleanPath(p)
	var result *Node
	err := s.update(ctx, func(st *state, now time.Time) (*change, error) {
		n := st.lookup(p)
		if n == nil {
			return nil, NotFound(p)
		}
		if _, taken := st.tickets[rec.ID]; taken {
			return nil, &Error{Type: ErrConflict, Path: p, Token: rec.ID, Message: "ticket id in use"}
		}
		result = withTicket(n, rec)
		return &change{puts: []*Node{result}, scopes: []string{ticketScope(rec.ID)}}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("ticket added", "path", p, "ticket_id", rec.ID)
	return result, nil
}

// Ticket returns the ticket with id and the node carrying it.
func (s *Store) Ticket(ctx context.Context, id string) (*Node, TicketRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, TicketRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	nid, ok := s.st.tickets[id]
	if !ok {
		return nil, TicketRecord{}, &Error{Type: ErrNotFound, Token: id, Message: "no such ticket"}
	}
	n := s.st.nodes[nid]
	for _, t := range n.Tickets {
		if t.ID == id {
			return n, t, nil
		}
	}
	return nil, TicketRecord{}, &Error{Type: ErrNotFound, Token: id, Message: "no such ticket"}
}

// UpdateTicket runs fn on the ticket with id and persists the result. The
// read, fn and the write happen atomically with respect to other store
// mutations; an error from fn aborts the update.
func (s *Store) UpdateTicket(ctx context.Context, id string, fn func(n *Node, rec *TicketRecord) error) (TicketRecord, error) {
	var result TicketRecord
	err := s.update(ctx, func(st *state, now time.Time) (*change, error) {
		nid, ok := st.tickets[id]
		if !ok {
			return nil, &Error{Type: ErrNotFound, Token: id, Message: "no such ticket"}
		}
		n := st.nodes[nid]
		i := slices.IndexFunc(n.Tickets, func(t TicketRecord) bool { return t.ID == id })
		if i < 0 {
			return nil, &Error{Type: ErrNotFound, Token: id, Message: "no such ticket"}
		}
		rec := n.Tickets[i]
		if err := fn(n, &rec); err != nil {
			return nil, err
		}
		rec.ID = id
		result = rec
		if rec.equal(n.Tickets[i]) {
			return &change{}, nil
		}
		return &change{puts: []*Node{withTicket(n, rec)}}, nil
	})
	return result, err
}

// RemoveTicket deletes the ticket with id.
func (s *Store) RemoveTicket(ctx context.Context, id string) error {
	err := s.update(ctx, func(st *state, now time.Time) (*change, error) {
		nid, ok := st.tickets[id]
		if !ok {
			return nil, &Error{Type: ErrNotFound, Token: id, Message: "no such ticket"}
		}
		n := withoutTickets(st.nodes[nid], func(t TicketRecord) bool { return t.ID == id })
		return &change{puts: []*Node{n}}, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("ticket removed", "ticket_id", id)
	return nil
}

// PurgeStats reports what PurgeExpired removed.
type PurgeStats struct {
	Locks   int
	Tickets int
}

// PurgeExpired removes expired locks, and expired or used up tickets.
func (s *Store) PurgeExpired(ctx context.Context) (PurgeStats, error) {
	var stats PurgeStats
	roots := s.locks.Purge()
	stats.Locks = len(roots)

	err := s.update(ctx, func(st *state, now time.Time) (*change, error) {
		touched := make(map[NodeID]*Node)
		for _, root := range roots {
			if n := st.lookup(root); n != nil {
				touched[n.ID] = n
			}
		}
		for _, nid := range st.tickets {
			if _, done := touched[nid]; done {
				continue
			}
			touched[nid] = st.nodes[nid]
		}
		ch := &change{}
		for _, n := range touched {
			kept := withoutTickets(n, func(t TicketRecord) bool {
				return t.Expired(now) || (t.SingleUse && t.Consumed)
			})
			dropped := len(n.Tickets) - len(kept.Tickets)
			stats.Tickets += dropped
			if dropped > 0 {
				ch.puts = append(ch.puts, kept)
			} else if slices.Contains(roots, n.Path) {
				ch.puts = append(ch.puts, n)
			}
		}
		slices.SortFunc(ch.puts, func(a, b *Node) int { return cmp.Compare(a.Path, b.Path) })
		return ch, nil
	})
	if err != nil {
		return stats, err
	}
	if stats.Locks > 0 || stats.Tickets > 0 {
		s.logger.Info("purged expired entries", "locks", stats.Locks, "tickets", stats.Tickets)
	}
	return stats, nil
}
