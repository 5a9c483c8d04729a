package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cyp0633/caldora/server/auth"
	"github.com/cyp0633/caldora/server/freebusy"
	"github.com/cyp0633/caldora/server/query"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/ticket"
)

// RequestContext holds parsed information about the incoming CalDAV request.
type RequestContext struct {
	// Path is the repository path the request URL maps to.
	Path string
	// Principal is nil for requests authorized by a ticket only.
	Principal *auth.Principal
	// TicketID is the ticket presented with the request, if any.
	TicketID string
	// LockTokens are the tokens submitted in the If header.
	LockTokens []string

	// ticket is set once the request was authorized by TicketID.
	ticket *ticket.Ticket
}

// CaldavHandler is the main HTTP handler for CalDAV requests under a specific prefix.
type CaldavHandler struct {
	Prefix       string // e.g., "/caldav/"
	Realm        string // Realm for Basic Auth
	Store        *storage.Store
	Tickets      *ticket.Service
	Queries      *query.Processor
	FreeBusy     *freebusy.Aggregator
	Auth         auth.Authenticator
	URLConverter URLConverter
	Logger       *slog.Logger

	next http.Handler
}

// Option configures a CaldavHandler.
type Option func(*CaldavHandler)

// WithPrefix sets the URL prefix the handler is mounted under.
func WithPrefix(prefix string) Option {
	return func(h *CaldavHandler) { h.Prefix = prefix }
}

// WithRealm sets the Basic auth realm.
func WithRealm(realm string) Option {
	return func(h *CaldavHandler) { h.Realm = realm }
}

// WithAuthenticator enables Basic auth against a. Without one, only ticket
// holders get access.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *CaldavHandler) { h.Auth = a }
}

func WithTicketService(s *ticket.Service) Option {
	return func(h *CaldavHandler) { h.Tickets = s }
}

func WithQueryProcessor(p *query.Processor) Option {
	return func(h *CaldavHandler) { h.Queries = p }
}

func WithFreeBusy(a *freebusy.Aggregator) Option {
	return func(h *CaldavHandler) { h.FreeBusy = a }
}

func WithURLConverter(c URLConverter) Option {
	return func(h *CaldavHandler) { h.URLConverter = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *CaldavHandler) {
		if logger != nil {
			h.Logger = logger
		}
	}
}

// NewCaldavHandler creates a handler serving store. Components not given
// as options are created with their defaults.
func NewCaldavHandler(store *storage.Store, opts ...Option) *CaldavHandler {
	h := &CaldavHandler{
		Prefix: "/",
		Realm:  "caldora",
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	// Ensure prefix starts and ends with a slash for consistent parsing
	if !strings.HasPrefix(h.Prefix, "/") {
		h.Prefix = "/" + h.Prefix
	}
	if !strings.HasSuffix(h.Prefix, "/") {
		h.Prefix += "/"
	}
	if h.URLConverter == nil {
		h.URLConverter = &DefaultURLConverter{Prefix: h.Prefix}
	}
	var engine *recurrence.Engine
	if h.Queries == nil || h.FreeBusy == nil {
		engine = recurrence.NewEngine(recurrence.WithLogger(h.Logger))
	}
	if h.Tickets == nil {
		h.Tickets = ticket.NewService(store, ticket.WithLogger(h.Logger))
	}
	if h.Queries == nil {
		h.Queries = query.NewProcessor(store, engine, query.WithLogger(h.Logger))
	}
	if h.FreeBusy == nil {
		h.FreeBusy = freebusy.NewAggregator(store, engine, freebusy.WithLogger(h.Logger))
	}

	inner := http.HandlerFunc(h.serve)
	if h.Auth != nil {
		h.next = auth.Middleware(h.Auth, h.Realm, auth.AllowAnonymous(anonymousAllowed))(inner)
	} else {
		h.next = inner
	}
	return h
}

// ServeHTTP handles incoming HTTP requests, performs authentication, parsing, and routing.
func (h *CaldavHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.next.ServeHTTP(w, r)
}

func (h *CaldavHandler) serve(w http.ResponseWriter, r *http.Request) {
	h.Logger.Debug("request received", "method", r.Method, "path", r.URL.Path)

	p, err := h.URLConverter.ParsePath(r.URL.Path)
	if err != nil {
		h.Logger.Debug("path outside repository", "path", r.URL.Path, "error", err)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	rc := &RequestContext{
		Path:       p,
		Principal:  auth.GetPrincipalFromContext(r.Context()),
		TicketID:   ticketID(r),
		LockTokens: ifLockTokens(r.Header.Get(headerIf)),
	}
	if rc.Principal == nil && rc.TicketID == "" && r.Method != http.MethodOptions {
		h.writeError(w, r, &storage.Error{Type: storage.ErrForbidden, Path: p, Message: "authentication or ticket required"})
		return
	}
	if rc.Principal != nil {
		if err := h.ensureHome(r, rc.Principal); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	switch r.Method {
	case http.MethodOptions:
		h.handleOptions(w, r, rc)
	case http.MethodGet, http.MethodHead:
		h.handleGet(w, r, rc)
	case http.MethodPut:
		h.handlePut(w, r, rc)
	case http.MethodDelete:
		h.handleDelete(w, r, rc)
	case "MKCOL":
		h.handleMkcol(w, r, rc, false)
	case "MKCALENDAR":
		h.handleMkcol(w, r, rc, true)
	case "PROPFIND":
		h.handlePropfind(w, r, rc)
	case "PROPPATCH":
		h.handleProppatch(w, r, rc)
	case "COPY":
		h.handleCopyMove(w, r, rc, false)
	case "MOVE":
		h.handleCopyMove(w, r, rc, true)
	case "LOCK":
		h.handleLock(w, r, rc)
	case "UNLOCK":
		h.handleUnlock(w, r, rc)
	case "REPORT":
		h.handleReport(w, r, rc)
	case "MKTICKET":
		h.handleMkticket(w, r, rc)
	case "DELTICKET":
		h.handleDelticket(w, r, rc)
	default:
		h.Logger.Info("method not allowed", "method", r.Method)
		w.Header().Set(headerAllow, allowedMethods)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (h *CaldavHandler) handleOptions(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	w.Header().Set(headerDAV, davCapabilities)
	w.Header().Set(headerAllow, allowedMethods)
	w.WriteHeader(http.StatusOK)
}

// ensureHome creates the home collection of principal on first use.
func (h *CaldavHandler) ensureHome(r *http.Request, principal *auth.Principal) error {
	home := storage.PrincipalHome(principal.ID)
	if _, err := h.Store.Resolve(r.Context(), home); err == nil || !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	_, name := storage.SplitPath(home)
	_, err := h.Store.Create(r.Context(), storage.RootPath, name, storage.CollectionContent(storage.CollectionData{}), storage.WithOwner(principal.ID))
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return err
	}
	h.Logger.Info("home collection provisioned", "principal", principal.ID, "path", home)
	return nil
}

// ServeWellKnown redirects /.well-known/caldav to the handler prefix.
func (h *CaldavHandler) ServeWellKnown(w http.ResponseWriter, r *http.Request) {
	h.Logger.Debug("well-known redirect", "path", r.URL.Path, "target", h.Prefix)
	http.Redirect(w, r, h.Prefix, http.StatusMovedPermanently)
}
