// Package davclient is a CalDAV client for caldora servers and other
// CalDAV implementations supporting the same reports.
package davclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora/internal/httpclient"
)

// DAVClient interface defines the CalDAV client operations on one
// calendar collection.
type DAVClient interface {
	MakeCalendar(ctx context.Context, displayName string, components ...string) error
	GetAllEvents() ObjectFilter
	Query(objType string) ObjectFilter
	Multiget(ctx context.Context, objectURLs ...string) ([]CalendarObject, error)
	GetCalendarCTag(ctx context.Context) (string, error)
	GetCalendarObject(ctx context.Context, objectURL string) (*CalendarObject, error)
	CreateCalendarObject(ctx context.Context, event *ical.Event) (objectURL string, etag string, err error)
	UpdateCalendarObject(ctx context.Context, objectURL string, event *ical.Event) (etag string, err error)
	DeleteCalendarObject(ctx context.Context, objectURL string, etag string) error
	FreeBusy(ctx context.Context, start, end time.Time) ([]BusyPeriod, error)
	MkTicket(ctx context.Context, targetURL string, req TicketRequest) (*Ticket, error)
	DelTicket(ctx context.Context, targetURL, id string) error
}

type davClient struct {
	http        *httpclient.Client
	calendarURL string
}

type options struct {
	client    *http.Client
	username  string
	password  string
	ticket    string
	logger    *slog.Logger
	transport http.RoundTripper
}

// Option configures a client.
type Option func(*options)

// WithBasicAuth authenticates requests as username.
func WithBasicAuth(username, password string) Option {
	return func(o *options) { o.username, o.password = username, password }
}

// WithTicket presents ticket on every request.
func WithTicket(ticket string) Option {
	return func(o *options) { o.ticket = ticket }
}

// WithHTTPClient sets the client whose transport carries requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLogger logs requests and responses at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildHTTPClient(baseURL string, opts []Option) (*httpclient.Client, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", baseURL, err)
	}
	hc := &http.Client{Timeout: 30 * time.Second}
	if o.client != nil {
		copied := *o.client
		hc = &copied
	}
	if o.username != "" || o.ticket != "" {
		t := httpclient.NewBasicAuthTransport(o.username, o.password, hc.Transport, o.logger)
		t.Ticket = o.ticket
		hc.Transport = t
	}
	return httpclient.New(hc, *base, o.logger)
}

// NewDAVClient creates a client for the calendar collection at
// calendarURL, which must be absolute.
func NewDAVClient(calendarURL string, opts ...Option) (DAVClient, error) {
	hc, err := buildHTTPClient(calendarURL, opts)
	if err != nil {
		return nil, err
	}
	return &davClient{http: hc, calendarURL: calendarURL}, nil
}
