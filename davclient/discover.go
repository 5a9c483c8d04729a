package davclient

import (
	"context"
	"fmt"
	"net/url"

	"github.com/cyp0633/caldora/internal/httpclient"
	"github.com/cyp0633/caldora/internal/xml"
)

// CalendarInfo describes a calendar collection found by FindCalendars.
type CalendarInfo struct {
	URI        string
	Name       string
	Color      string
	Components []string
}

var (
	propCurrentUserPrincipal = xml.Name(xml.DAV, "current-user-principal")
	propCalendarHomeSet      = xml.Name(xml.CalDAV, "calendar-home-set")
	propResourcetype         = xml.Name(xml.DAV, xml.TagResourcetype)
	propDisplayName          = xml.Name(xml.DAV, "displayname")
	propCalendarColor        = xml.Name("http://apple.com/ns/ical/", "calendar-color")
	propComponentSet         = xml.Name(xml.CalDAV, "supported-calendar-component-set")
)

// FindCalendars lists the calendars of the authenticated user, starting
// from the server URL location. It follows current-user-principal and
// calendar-home-set, then lists the home.
func FindCalendars(ctx context.Context, location string, opts ...Option) ([]CalendarInfo, error) {
	base, err := url.Parse(location)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid URL %q", location)
	}
	hc, err := buildHTTPClient(location, opts)
	if err != nil {
		return nil, err
	}

	props, err := propfindOne(ctx, hc, location, propCurrentUserPrincipal)
	if err != nil {
		return nil, fmt.Errorf("discovering principal: %w", err)
	}
	principal := hrefOf(props[propCurrentUserPrincipal])
	if principal == "" {
		return nil, fmt.Errorf("server reported no principal for the current user")
	}

	props, err = propfindOne(ctx, hc, principal, propCalendarHomeSet)
	if err != nil {
		return nil, fmt.Errorf("discovering calendar home: %w", err)
	}
	home := hrefOf(props[propCalendarHomeSet])
	if home == "" {
		return nil, fmt.Errorf("principal %s has no calendar-home-set", principal)
	}

	ms, err := hc.Multistatus(ctx, httpclient.Request{
		Method:   "PROPFIND",
		URL:      home,
		Depth:    httpclient.DepthOne,
		Document: httpclient.Propfind(propResourcetype, propDisplayName, propCalendarColor, propComponentSet),
	})
	if err != nil {
		return nil, fmt.Errorf("listing calendar home: %w", err)
	}

	calendars := make([]CalendarInfo, 0)
	for _, resp := range ms.Responses {
		props := foundProps(resp)
		if !isCalendar(props[propResourcetype]) {
			continue
		}
		info := CalendarInfo{
			URI:   resp.Href,
			Name:  props[propDisplayName].TextContent,
			Color: props[propCalendarColor].TextContent,
		}
		for _, comp := range props[propComponentSet].Children {
			if name := comp.GetAttr("name"); name != "" {
				info.Components = append(info.Components, name)
			}
		}
		calendars = append(calendars, info)
	}
	return calendars, nil
}

func hrefOf(p xml.Property) string {
	for _, c := range p.Children {
		if c.Namespace == xml.DAV && c.Name == xml.TagHref {
			return c.TextContent
		}
	}
	return ""
}

func isCalendar(rt xml.Property) bool {
	for _, c := range rt.Children {
		if c.Namespace == xml.CalDAV && c.Name == xml.TagCalendar {
			return true
		}
	}
	return false
}
