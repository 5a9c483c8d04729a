// Package httpclient sends WebDAV requests and decodes multistatus
// responses for the CalDAV client.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/cyp0633/caldora/internal/xml"
)

// Depth values for the Depth header.
const (
	DepthZero     = "0"
	DepthOne      = "1"
	DepthInfinity = "infinity"
)

// Request describes one WebDAV request. Body documents are serialized
// as XML; Raw is sent as is.
type Request struct {
	Method      string
	URL         string
	Depth       string
	Header      http.Header
	Document    *etree.Document
	Raw         []byte
	ContentType string
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the resolved request URL.
	URL *url.URL
}

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// Client wraps http.Client with WebDAV request helpers.
type Client struct {
	client  *http.Client
	baseURL url.URL
	logger  *slog.Logger
}

// New creates a client resolving relative URLs against baseURL.
func New(client *http.Client, baseURL url.URL, logger *slog.Logger) (*Client, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL.String())
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{client: client, baseURL: baseURL, logger: logger}, nil
}

// ResolveURL resolves a URL string against the base URL.
func (c *Client) ResolveURL(urlStr string) (*url.URL, error) {
	ref, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %q: %w", urlStr, err)
	}
	return c.baseURL.ResolveReference(ref), nil
}

// Do sends req. Responses outside 2xx and 3xx become a *StatusError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := c.ResolveURL(req.URL)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	contentType := req.ContentType
	switch {
	case req.Document != nil:
		data, err := req.Document.WriteToBytes()
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", req.Method, err)
		}
		body = bytes.NewReader(data)
		if contentType == "" {
			contentType = "application/xml; charset=utf-8"
		}
	case req.Raw != nil:
		body = bytes.NewReader(req.Raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.Depth != "" {
		httpReq.Header.Set("Depth", req.Depth)
	}

	c.logger.Debug("sending request", "method", req.Method, "url", u.String(), "depth", req.Depth)
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Debug("request failed", "error", err)
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("received response", "status", resp.Status, "length", len(data))

	if resp.StatusCode >= 400 {
		return nil, &StatusError{Method: req.Method, URL: u.String(), StatusCode: resp.StatusCode, Body: string(data)}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data, URL: u}, nil
}

// Multistatus sends req and parses a 207 response body.
func (c *Client) Multistatus(ctx context.Context, req Request) (*xml.MultistatusResponse, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, &StatusError{Method: req.Method, URL: resp.URL.String(), StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	var ms xml.MultistatusResponse
	if err := ms.Parse(doc); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	c.logger.Debug("multistatus decoded", "method", req.Method, "responses", len(ms.Responses))
	return &ms, nil
}

// Document wraps root in an XML document using the CalDAV namespace
// prefixes.
func Document(root xml.Property) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	doc.SetRoot(root.ToElement())
	xml.AddNamespaces(doc)
	return doc
}

// Propfind builds a PROPFIND body requesting the named properties, given
// in {namespace}local form.
func Propfind(names ...string) *etree.Document {
	prop := xml.Property{Namespace: xml.DAV, Name: xml.TagProp}
	for _, n := range names {
		prop.Children = append(prop.Children, xml.EmptyProperty(n))
	}
	return Document(xml.Property{Namespace: xml.DAV, Name: xml.TagPropfind, Children: []xml.Property{prop}})
}

// IsStatus reports whether err is a *StatusError with code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// StatusCode extracts the code of an "HTTP/1.1 200 OK" status line.
func StatusCode(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, _ := strconv.Atoi(fields[1])
	return code
}
