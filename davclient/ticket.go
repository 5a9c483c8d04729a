package davclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/beevik/etree"

	"github.com/cyp0633/caldora/internal/httpclient"
	"github.com/cyp0633/caldora/internal/xml"
)

// TicketRequest describes a ticket to issue.
type TicketRequest struct {
	// Timeout of zero asks for a ticket that never expires.
	Timeout time.Duration
	// SingleUse limits the ticket to one visit.
	SingleUse bool
	// Privileges are among xml.PrivilegeRead, PrivilegeWrite and
	// PrivilegeFreeBusy.
	Privileges []string
}

// Ticket is an issued ticket as reported by the server.
type Ticket struct {
	ID      string
	Timeout string
	Visits  string
}

// MkTicket issues a ticket on targetURL.
func (c *davClient) MkTicket(ctx context.Context, targetURL string, req TicketRequest) (*Ticket, error) {
	info := xml.TicketInfo{Timeout: "Infinite", Visits: "infinity", Privileges: req.Privileges}
	if req.Timeout > 0 {
		info.Timeout = "Second-" + strconv.Itoa(int(req.Timeout/time.Second))
	}
	if req.SingleUse {
		info.Visits = "1"
	}
	resp, err := c.http.Do(ctx, httpclient.Request{
		Method:   "MKTICKET",
		URL:      targetURL,
		Document: httpclient.Document(info.Property()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue ticket: %w", err)
	}

	t := &Ticket{ID: resp.Header.Get(httpclient.TicketHeader), Timeout: info.Timeout, Visits: info.Visits}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(resp.Body); err == nil && doc.Root() != nil {
		if disc := xml.Child(doc.Root(), xml.Ticket, "ticketdiscovery"); disc != nil {
			// The new ticket is the one the Ticket header names; without
			// the header take the last one listed.
			for _, ti := range disc.ChildElements() {
				id := xml.Child(ti, xml.Ticket, "id")
				if id == nil || (t.ID != "" && id.Text() != t.ID) {
					continue
				}
				t.ID = id.Text()
				if e := xml.Child(ti, xml.Ticket, "timeout"); e != nil {
					t.Timeout = e.Text()
				}
				if e := xml.Child(ti, xml.Ticket, "visits"); e != nil {
					t.Visits = e.Text()
				}
			}
		}
	}
	if t.ID == "" {
		return nil, fmt.Errorf("server returned no ticket id")
	}
	return t, nil
}

// DelTicket revokes ticket id on targetURL.
func (c *davClient) DelTicket(ctx context.Context, targetURL, id string) error {
	_, err := c.http.Do(ctx, httpclient.Request{
		Method: "DELTICKET",
		URL:    targetURL,
		Header: http.Header{httpclient.TicketHeader: {id}},
	})
	if err != nil {
		return fmt.Errorf("failed to revoke ticket: %w", err)
	}
	return nil
}
