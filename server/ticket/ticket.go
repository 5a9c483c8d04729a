// Package ticket grants scoped, time-bounded access to a repository
// subtree without a full identity.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cyp0633/caldora/server/storage"
	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Capability is a right a ticket grants. Higher capabilities imply the
// lower ones.
type Capability uint8

const (
	FreeBusy Capability = iota + 1
	Read
	ReadWrite
)

func (c Capability) String() string {
	switch c {
	case FreeBusy:
		return "freebusy"
	case Read:
		return "read"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("capability(%d)", uint8(c))
	}
}

// Implies reports whether holding c is enough for required.
func (c Capability) Implies(required Capability) bool {
	return c >= required && required >= FreeBusy
}

// ParseCapability parses the String form of a capability. "write" is
// accepted for read-write.
func ParseCapability(s string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "freebusy", "free-busy":
		return FreeBusy, nil
	case "read":
		return Read, nil
	case "read-write", "write":
		return ReadWrite, nil
	}
	return 0, fmt.Errorf("unknown capability %q", s)
}

// Ticket is a capability token attached to a node.
type Ticket struct {
	ID           string
	NodeID       storage.NodeID
	Path         string
	Owner        string
	Capabilities []Capability
	Created      time.Time
	Expires      mo.Option[time.Time]
	SingleUse    bool
	Consumed     bool
	// Restricted tickets cover their node only, not its descendants.
	Restricted bool
}

// Grants reports whether t carries a capability implying required.
func (t *Ticket) Grants(required Capability) bool {
	return slices.ContainsFunc(t.Capabilities, func(c Capability) bool { return c.Implies(required) })
}

// Covers reports whether t applies to p.
func (t *Ticket) Covers(p string) bool {
	p = storage.CleanPath(p)
	if t.Restricted {
		return p == t.Path
	}
	return storage.IsAncestor(t.Path, p)
}

// Expired reports whether t is past its expiry at now.
func (t *Ticket) Expired(now time.Time) bool {
	exp, ok := t.Expires.Get()
	return ok && !now.Before(exp)
}

// Timeout renders the remaining lifetime the way the Timeout header does.
func (t *Ticket) Timeout(now time.Time) string {
	exp, ok := t.Expires.Get()
	if !ok {
		return "Infinite"
	}
	secs := int64(exp.Sub(now).Round(time.Second) / time.Second)
	return fmt.Sprintf("Second-%d", max(secs, 0))
}

func fromRecord(n *storage.Node, rec storage.TicketRecord) *Ticket {
	t := &Ticket{
		ID:         rec.ID,
		NodeID:     n.ID,
		Path:       n.Path,
		Owner:      rec.Owner,
		Created:    rec.Created,
		SingleUse:  rec.SingleUse,
		Consumed:   rec.Consumed,
		Restricted: rec.Restricted,
	}
	if !rec.Expires.IsZero() {
		t.Expires = mo.Some(rec.Expires)
	}
	for _, s := range rec.Capabilities {
		if c, err := ParseCapability(s); err == nil {
			t.Capabilities = append(t.Capabilities, c)
		}
	}
	return t
}

// Service issues and checks tickets stored on repository nodes.
type Service struct {
	store          *storage.Store
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDefaultTimeout sets the expiry given to tickets issued without one.
// Zero issues tickets that never expire.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.defaultTimeout = d
	}
}

// NewService creates a ticket service over store.
func NewService(store *storage.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type issueOptions struct {
	expiry     mo.Option[time.Duration]
	singleUse  bool
	restricted bool
	owner      string
}

// IssueOption configures a ticket at issue time.
type IssueOption func(*issueOptions)

// WithExpiry makes the ticket expire d after issue.
func WithExpiry(d time.Duration) IssueOption {
	return func(o *issueOptions) { o.expiry = mo.Some(d) }
}

// WithSingleUse makes the ticket good for one authorization.
func WithSingleUse() IssueOption {
	return func(o *issueOptions) { o.singleUse = true }
}

// WithRestricted limits the ticket to its node.
func WithRestricted() IssueOption {
	return func(o *issueOptions) { o.restricted = true }
}

// WithOwner records the principal that issued the ticket.
func WithOwner(principal string) IssueOption {
	return func(o *issueOptions) { o.owner = principal }
}

// Issue creates a ticket granting caps on the node at nodePath.
func (s *Service) Issue(ctx context.Context, nodePath string, caps []Capability, opts ...IssueOption) (*Ticket, error) {
	var o issueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(caps) == 0 {
		return nil, &storage.Error{Type: storage.ErrBadRequest, Path: nodePath, Message: "ticket needs at least one capability"}
	}

	now := s.store.Now()
	rec := storage.TicketRecord{
		ID:         uuid.NewString(),
		Owner:      o.owner,
		Created:    now,
		SingleUse:  o.singleUse,
		Restricted: o.restricted,
	}
	for _, c := range caps {
		if c < FreeBusy || c > ReadWrite {
			return nil, &storage.Error{Type: storage.ErrBadRequest, Path: nodePath, Message: fmt.Sprintf("invalid capability %s", c)}
		}
		if !slices.Contains(rec.Capabilities, c.String()) {
			rec.Capabilities = append(rec.Capabilities, c.String())
		}
	}
	expiry := o.expiry.OrElse(s.defaultTimeout)
	if expiry < 0 {
		return nil, &storage.Error{Type: storage.ErrBadRequest, Path: nodePath, Message: "negative ticket expiry"}
	}
	if expiry > 0 {
		rec.Expires = now.Add(expiry)
	}

	n, err := s.store.AddTicket(ctx, nodePath, rec)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ticket issued", "ticket_id", rec.ID, "path", n.Path, "capabilities", rec.Capabilities, "single_use", rec.SingleUse)
	return fromRecord(n, rec), nil
}

// Get returns the ticket with id. Unknown ids yield ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Ticket, error) {
	n, rec, err := s.store.Ticket(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(n, rec), nil
}

// List returns the tickets attached to the node at nodePath.
func (s *Service) List(ctx context.Context, nodePath string) ([]*Ticket, error) {
	n, err := s.store.Resolve(ctx, nodePath)
	if err != nil {
		return nil, err
	}
	out := make([]*Ticket, 0, len(n.Tickets))
	for _, rec := range n.Tickets {
		out = append(out, fromRecord(n, rec))
	}
	return out, nil
}

// Revoke deletes the ticket with id.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if err := s.store.RemoveTicket(ctx, id); err != nil {
		return err
	}
	s.logger.Info("ticket revoked", "ticket_id", id)
	return nil
}

// forbidden hides why a ticket was refused.
func forbidden(id, p string) *storage.Error {
	return &storage.Error{Type: storage.ErrForbidden, Path: p, Token: id, Message: "ticket does not grant access"}
}

// errRefused aborts a ticket update without revealing the reason.
var errRefused = errors.New("ticket refused")

// check reports why t does not authorize required on p, or "".
func check(t *Ticket, p string, required Capability, now time.Time) string {
	switch {
	case t.Expired(now):
		return "expired"
	case t.SingleUse && t.Consumed:
		return "consumed"
	case !t.Covers(p):
		return "out of scope"
	case !t.Grants(required):
		return "insufficient capability"
	}
	return ""
}

// Authorize reports whether the ticket id grants required on nodePath.
// Every refusal is ErrForbidden. A single-use ticket is consumed by a
// successful call.
func (s *Service) Authorize(ctx context.Context, id, nodePath string, required Capability) (bool, error) {
	if _, err := s.consume(ctx, id, nodePath, required); err != nil {
		return false, err
	}
	return true, nil
}

// consume checks the ticket and, for single-use tickets, marks it used in
// the same store update. It reports whether it consumed the ticket.
func (s *Service) consume(ctx context.Context, id, nodePath string, required Capability) (bool, error) {
	p := storage.CleanPath(nodePath)
	if id == "" || !s.reachable(ctx, p) {
		s.logger.Warn("ticket refused", "ticket_id", id, "path", p, "reason", "no such resource")
		return false, forbidden(id, p)
	}

	var (
		reason   string
		consumed bool
	)
	_, err := s.store.UpdateTicket(ctx, id, func(n *storage.Node, rec *storage.TicketRecord) error {
		reason = check(fromRecord(n, *rec), p, required, s.store.Now())
		if reason != "" {
			return errRefused
		}
		if rec.SingleUse {
			rec.Consumed = true
			consumed = true
		}
		return nil
	})
	switch {
	case err == nil:
		s.logger.Debug("ticket accepted", "ticket_id", id, "path", p, "capability", required, "consumed", consumed)
		return consumed, nil
	case errors.Is(err, errRefused), errors.Is(err, storage.ErrNotFound):
		if reason == "" {
			reason = "unknown ticket"
		}
		s.logger.Warn("ticket refused", "ticket_id", id, "path", p, "reason", reason)
		return false, forbidden(id, p)
	default:
		return false, err
	}
}

// reachable reports whether p exists or could be created in an existing
// collection.
func (s *Service) reachable(ctx context.Context, p string) bool {
	if _, err := s.store.Resolve(ctx, p); err == nil {
		return true
	}
	parent, _ := storage.SplitPath(p)
	n, err := s.store.Resolve(ctx, parent)
	return err == nil && n.IsCollection()
}

// Use authorizes the ticket and runs op. Consuming a single-use ticket
// happens before op runs; when op fails the ticket is restored.
func (s *Service) Use(ctx context.Context, id, nodePath string, required Capability, op func(ctx context.Context) error) error {
	consumed, err := s.consume(ctx, id, nodePath, required)
	if err != nil {
		return err
	}
	opErr := op(ctx)
	if opErr == nil || !consumed {
		return opErr
	}
	_, err = s.store.UpdateTicket(context.WithoutCancel(ctx), id, func(_ *storage.Node, rec *storage.TicketRecord) error {
		rec.Consumed = false
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("restoring single-use ticket failed", "ticket_id", id, "error", err)
		return errors.Join(opErr, err)
	}
	s.logger.Debug("single-use ticket restored", "ticket_id", id)
	return opErr
}
