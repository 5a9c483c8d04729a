package xml

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Privileges named in a ticketinfo body.
const (
	PrivilegeRead     = "read"
	PrivilegeWrite    = "write"
	PrivilegeFreeBusy = "freebusy"
)

// TicketInfo is the ticketinfo element of MKTICKET requests and
// ticketdiscovery properties.
type TicketInfo struct {
	ID string
	// Owner is the href of the principal that issued the ticket.
	Owner string
	// Timeout is "Infinite" or "Second-N".
	Timeout    string
	Visits     string
	Privileges []string
}

// ParseTicketInfo parses a MKTICKET body.
func ParseTicketInfo(doc *etree.Document) (*TicketInfo, error) {
	root := doc.Root()
	if !Is(root, Ticket, "ticketinfo") {
		return nil, fmt.Errorf("invalid root tag: %s", root.Tag)
	}
	info := &TicketInfo{Timeout: "Infinite", Visits: "infinity"}
	if t := Child(root, Ticket, "timeout"); t != nil {
		info.Timeout = strings.TrimSpace(t.Text())
	}
	if v := Child(root, Ticket, "visits"); v != nil {
		info.Visits = strings.TrimSpace(v.Text())
	}
	priv := Child(root, DAV, "privilege")
	if priv == nil {
		return nil, fmt.Errorf("ticketinfo without privilege")
	}
	for _, p := range priv.ChildElements() {
		switch {
		case Is(p, DAV, PrivilegeRead):
			info.Privileges = append(info.Privileges, PrivilegeRead)
		case Is(p, DAV, PrivilegeWrite):
			info.Privileges = append(info.Privileges, PrivilegeWrite)
		case Is(p, Ticket, PrivilegeFreeBusy):
			info.Privileges = append(info.Privileges, PrivilegeFreeBusy)
		default:
			return nil, fmt.Errorf("unknown privilege %s", NameOf(p))
		}
	}
	if len(info.Privileges) == 0 {
		return nil, fmt.Errorf("ticketinfo grants no privilege")
	}
	return info, nil
}

// Property renders info as a ticketinfo element.
func (info *TicketInfo) Property() Property {
	prop := Property{Namespace: Ticket, Name: "ticketinfo"}
	if info.ID != "" {
		prop.Children = append(prop.Children, NewProperty(Ticket, "id", info.ID))
	}
	if info.Owner != "" {
		prop.Children = append(prop.Children, Property{Namespace: DAV, Name: "owner", Children: []Property{NewProperty(DAV, TagHref, info.Owner)}})
	}
	priv := Property{Namespace: DAV, Name: "privilege"}
	for _, p := range info.Privileges {
		ns := DAV
		if p == PrivilegeFreeBusy {
			ns = Ticket
		}
		priv.Children = append(priv.Children, Property{Namespace: ns, Name: p})
	}
	prop.Children = append(prop.Children,
		priv,
		NewProperty(Ticket, "timeout", info.Timeout),
		NewProperty(Ticket, "visits", info.Visits),
	)
	return prop
}

// TicketDiscovery renders the ticketdiscovery property.
func TicketDiscovery(infos []TicketInfo) Property {
	prop := Property{Namespace: Ticket, Name: "ticketdiscovery"}
	for _, info := range infos {
		prop.Children = append(prop.Children, info.Property())
	}
	return prop
}
