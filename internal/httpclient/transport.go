package httpclient

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// TicketHeader carries a ticket ID on requests.
const TicketHeader = "Ticket"

// AuthTransport implements http.RoundTripper and adds Basic Auth
// credentials, a ticket, or both to outgoing requests.
type AuthTransport struct {
	Username  string
	Password  string
	Ticket    string
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// NewBasicAuthTransport creates an AuthTransport with the given
// credentials and optional underlying transport. If transport is nil,
// http.DefaultTransport will be used.
func NewBasicAuthTransport(username, password string, transport http.RoundTripper, logger *slog.Logger) *AuthTransport {
	return newTransport(&AuthTransport{Username: username, Password: password}, transport, logger)
}

// NewTicketTransport creates an AuthTransport presenting ticket and no
// credentials.
func NewTicketTransport(ticket string, transport http.RoundTripper, logger *slog.Logger) *AuthTransport {
	return newTransport(&AuthTransport{Ticket: ticket}, transport, logger)
}

func newTransport(t *AuthTransport, transport http.RoundTripper, logger *slog.Logger) *AuthTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t.Transport = transport
	t.Logger = logger
	return t
}

// RoundTrip implements the http.RoundTripper interface. The request is
// cloned before headers are added.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if t.Username == "" && t.Ticket == "" {
		return nil, errors.New("either basic auth username or ticket is required")
	}
	if t.Username != "" && t.Password == "" {
		return nil, errors.New("basic auth password cannot be empty")
	}

	req = req.Clone(req.Context())
	reqBody := ""
	if req.Body != nil {
		bodyBytes, err := io.ReadAll(req.Body)
		if err == nil {
			reqBody = string(bodyBytes)
			req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		}
	}
	t.Logger.Debug("outgoing request",
		"method", req.Method,
		"url", req.URL.String(),
		"body", reqBody)

	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	if t.Ticket != "" {
		req.Header.Set(TicketHeader, t.Ticket)
	}
	resp, err := t.Transport.RoundTrip(req)

	if err == nil && resp != nil {
		respBody := ""
		if resp.Body != nil {
			bodyBytes, err := io.ReadAll(resp.Body)
			if err == nil {
				respBody = string(bodyBytes)
				resp.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			}
		}
		t.Logger.Debug("incoming response",
			"status", resp.Status,
			"headers", resp.Header,
			"body", respBody)
	}

	return resp, err
}
