package server

import (
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cyp0633/caldora/server/storage"
	"github.com/samber/mo"
)

const (
	// HTTP headers
	headerContentType = "Content-Type"
	headerETag        = "ETag"
	headerDAV         = "DAV"
	headerAllow       = "Allow"
	headerLocation    = "Location"
	headerDepth       = "Depth"
	headerDestination = "Destination"
	headerOverwrite   = "Overwrite"
	headerIf          = "If"
	headerIfMatch     = "If-Match"
	headerIfNoneMatch = "If-None-Match"
	headerLockToken   = "Lock-Token"
	headerTimeout     = "Timeout"
	headerTicket      = "Ticket"
	headerCTag        = "CTag"

	// ticketParam carries a ticket id in the query string.
	ticketParam = "ticket"

	// MIME types
	mimeTypeCalendar = "text/calendar; charset=utf-8"
	mimeTypeXML      = "application/xml; charset=utf-8"

	// DAV capability values
	davCapabilities = "1, 2, 3, calendar-access, ticket"
	allowedMethods  = "OPTIONS, GET, HEAD, PUT, DELETE, MKCOL, MKCALENDAR, PROPFIND, PROPPATCH, COPY, MOVE, LOCK, UNLOCK, REPORT, MKTICKET, DELTICKET"

	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 10 << 20
)

// readBody reads at most maxBodyBytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request) (string, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return "", storage.BadRequest("failed to read request body: %v", err)
	}
	return string(data), nil
}

var lockTokenPattern = regexp.MustCompile(`<(` + regexp.QuoteMeta(storage.LockTokenPrefix) + `[^>]+)>`)

// ifLockTokens returns the lock tokens submitted in the If header.
// Entity tags and resource tags in the header are not evaluated.
func ifLockTokens(header string) []string {
	var tokens []string
	for _, m := range lockTokenPattern.FindAllStringSubmatch(header, -1) {
		tokens = append(tokens, m[1])
	}
	return tokens
}

// parseTimeout reads the first usable value of a Timeout header. Infinite
// and absent values yield zero, which asks for the default.
func parseTimeout(header string) time.Duration {
	for _, v := range strings.Split(header, ",") {
		v = strings.TrimSpace(v)
		if secs, ok := strings.CutPrefix(v, "Second-"); ok {
			if n, err := strconv.ParseInt(secs, 10, 64); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	return 0
}

// formatTimeout renders d as a Timeout header value.
func formatTimeout(d time.Duration) string {
	if d <= 0 {
		return "Infinite"
	}
	return "Second-" + strconv.FormatInt(int64(d/time.Second), 10)
}

// etagCondition reads a conditional header. Weak validators never match.
func etagCondition(header string) mo.Option[string] {
	v := strings.TrimSpace(header)
	if v == "" {
		return mo.None[string]()
	}
	if v == "*" {
		return mo.Some(v)
	}
	// The store compares single strong entity tags.
	first, _, _ := strings.Cut(v, ",")
	return mo.Some(strings.TrimSpace(first))
}

// destination resolves the Destination header to a repository path.
func (h *CaldavHandler) destination(r *http.Request) (string, error) {
	raw := r.Header.Get(headerDestination)
	if raw == "" {
		return "", storage.BadRequest("missing Destination header")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", storage.BadRequest("invalid Destination header: %v", err)
	}
	if u.Host != "" && r.Host != "" && !strings.EqualFold(u.Host, r.Host) {
		return "", &storage.Error{Type: storage.ErrForbidden, Message: "destination on another server"}
	}
	p, err := h.URLConverter.ParsePath(u.Path)
	if err != nil {
		return "", &storage.Error{Type: storage.ErrForbidden, Message: "destination outside the repository", Err: err}
	}
	return p, nil
}

// overwrite reads the Overwrite header, which defaults to true.
func overwrite(r *http.Request) bool {
	return !strings.EqualFold(strings.TrimSpace(r.Header.Get(headerOverwrite)), "F")
}

// ticketID returns the ticket carried by the request, if any.
func ticketID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(headerTicket)); id != "" {
		return id
	}
	return r.URL.Query().Get(ticketParam)
}

// hasTicket reports whether the request carries a ticket.
func hasTicket(r *http.Request) bool { return ticketID(r) != "" }

// anonymousAllowed lets ticket holders and OPTIONS through without
// credentials.
func anonymousAllowed(r *http.Request) bool {
	return r.Method == http.MethodOptions || hasTicket(r)
}
