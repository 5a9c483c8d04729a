package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server/storage"
)

// statusFor maps a repository error to its HTTP status code.
func statusFor(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch storage.TypeOf(err) {
	case storage.ErrNotFound:
		return http.StatusNotFound
	case storage.ErrConflict:
		return http.StatusConflict
	case storage.ErrPreconditionFailed:
		return http.StatusPreconditionFailed
	case storage.ErrLocked:
		return http.StatusLocked
	case storage.ErrForbidden:
		return http.StatusForbidden
	case storage.ErrBadRequest, storage.ErrParse:
		return http.StatusBadRequest
	case storage.ErrLimitExceeded:
		return http.StatusInsufficientStorage
	default:
		return http.StatusServiceUnavailable
	}
}

// preconditions names the DAV and CalDAV precondition elements reported in
// error bodies.
var preconditions = map[storage.ErrorType]xml.Error{
	storage.ErrLocked:        {Namespace: xml.DAV, Tag: "lock-token-submitted"},
	storage.ErrParse:         {Namespace: xml.CalDAV, Tag: "valid-calendar-data"},
	storage.ErrLimitExceeded: {Namespace: xml.DAV, Tag: "number-of-matches-within-limits"},
}

// writeError reports err to the client. Locked, parse and limit
// failures carry a DAV:error body naming the failed precondition.
func (h *CaldavHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	t := storage.TypeOf(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.Logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	var se *storage.Error
	if errors.As(err, &se) && se.Type == storage.ErrLocked && se.Path != "" {
		p := preconditions[t]
		p.Message = h.URLConverter.EncodePath(se.Path, false)
		h.writeXMLError(w, status, p)
		return
	}
	if p, ok := preconditions[t]; ok {
		h.writeXMLError(w, status, p)
		return
	}
	http.Error(w, http.StatusText(status), status)
}

func (h *CaldavHandler) writeXMLError(w http.ResponseWriter, status int, e xml.Error) {
	doc := xml.ErrorDocument(e)
	w.Header().Set(headerContentType, mimeTypeXML)
	w.WriteHeader(status)
	if _, err := doc.WriteTo(w); err != nil {
		h.Logger.Error("failed to write error body", "error", err)
	}
}
