package davclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora/internal/httpclient"
	"github.com/cyp0633/caldora/internal/xml"
)

// CalendarObject represents a calendar object with its metadata.
// Calendar is nil for ETag-only results.
type CalendarObject struct {
	URL      string
	ETag     string
	Calendar *ical.Calendar
}

// Events returns the VEVENT components of the object.
func (o *CalendarObject) Events() []ical.Event {
	if o.Calendar == nil {
		return nil
	}
	return o.Calendar.Events()
}

// GetAllEvents returns a filter for querying all events
func (c *davClient) GetAllEvents() ObjectFilter {
	return c.Query(ical.CompEvent)
}

// Query returns a filter over components named objType, such as VTODO.
func (c *davClient) Query(objType string) ObjectFilter {
	return &objectFilter{client: c, objectType: strings.ToUpper(objType)}
}

func (c *davClient) executeCalendarQuery(ctx context.Context, query xml.Property) ([]CalendarObject, error) {
	return c.report(ctx, httpclient.DepthOne, query)
}

// Multiget fetches the named objects of the calendar. Objects the server
// reports as missing or forbidden are skipped.
func (c *davClient) Multiget(ctx context.Context, objectURLs ...string) ([]CalendarObject, error) {
	prop := xml.Property{Namespace: xml.DAV, Name: xml.TagProp, Children: []xml.Property{
		xml.EmptyProperty(xml.Name(xml.DAV, "getetag")),
		caldav(xml.TagCalendarData),
	}}
	multiget := caldav("calendar-multiget", prop)
	for _, u := range objectURLs {
		resolved, err := c.http.ResolveURL(u)
		if err != nil {
			return nil, err
		}
		multiget.Children = append(multiget.Children, xml.NewProperty(xml.DAV, xml.TagHref, resolved.Path))
	}
	return c.report(ctx, httpclient.DepthOne, multiget)
}

func (c *davClient) report(ctx context.Context, depth string, body xml.Property) ([]CalendarObject, error) {
	ms, err := c.http.Multistatus(ctx, httpclient.Request{
		Method:   "REPORT",
		URL:      c.calendarURL,
		Depth:    depth,
		Document: httpclient.Document(body),
	})
	if err != nil {
		return nil, err
	}

	var objects []CalendarObject
	for _, resp := range ms.Responses {
		if resp.Status != "" && httpclient.StatusCode(resp.Status) != http.StatusOK {
			continue
		}
		props := foundProps(resp)
		etag, ok := props[xml.Name(xml.DAV, "getetag")]
		if !ok {
			continue
		}
		obj := CalendarObject{URL: resp.Href, ETag: etag.TextContent}
		if data, ok := props[xml.Name(xml.CalDAV, xml.TagCalendarData)]; ok && data.TextContent != "" {
			cal, err := ical.NewDecoder(strings.NewReader(data.TextContent)).Decode()
			if err != nil {
				return nil, fmt.Errorf("failed to parse iCalendar data of %s: %w", resp.Href, err)
			}
			obj.Calendar = cal
		}
		objects = append(objects, obj)
	}
	return objects, nil
}
