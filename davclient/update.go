package davclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/cyp0633/caldora/internal/httpclient"
	"github.com/cyp0633/caldora/internal/xml"
)

const productID = "-//github.com/cyp0633/caldora//NONSGML v1.0//EN"

// eventToBytes converts an ical.Event to iCalendar format bytes
func eventToBytes(event *ical.Event) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *davClient) put(ctx context.Context, objectURL string, header http.Header, data []byte) (string, error) {
	resp, err := c.http.Do(ctx, httpclient.Request{
		Method:      http.MethodPut,
		URL:         objectURL,
		Header:      header,
		Raw:         data,
		ContentType: "text/calendar; charset=utf-8",
	})
	if err != nil {
		return "", err
	}
	return resp.Header.Get("ETag"), nil
}

// CreateCalendarObject creates a new object named after a random UUID in
// the calendar collection. It fails rather than overwrite an existing
// object.
func (c *davClient) CreateCalendarObject(ctx context.Context, event *ical.Event) (objectURL string, etag string, err error) {
	base, err := c.http.ResolveURL(c.calendarURL)
	if err != nil {
		return "", "", err
	}
	ref, err := base.Parse(uuid.NewString() + ".ics")
	if err != nil {
		return "", "", fmt.Errorf("failed to parse object URL: %w", err)
	}
	objectURL = ref.String()

	data, err := eventToBytes(event)
	if err != nil {
		return "", "", err
	}
	etag, err = c.put(ctx, objectURL, http.Header{"If-None-Match": {"*"}}, data)
	if err != nil {
		return "", "", fmt.Errorf("failed to create calendar object: %w", err)
	}
	if etag == "" {
		if etag, err = c.etagOf(ctx, objectURL); err != nil {
			return objectURL, "", err
		}
	}
	return objectURL, etag, nil
}

// UpdateCalendarObject replaces the object at objectURL, guarded by the
// ETag it currently has.
func (c *davClient) UpdateCalendarObject(ctx context.Context, objectURL string, event *ical.Event) (string, error) {
	current, err := c.etagOf(ctx, objectURL)
	if err != nil {
		return "", err
	}
	data, err := eventToBytes(event)
	if err != nil {
		return "", err
	}
	etag, err := c.put(ctx, objectURL, http.Header{"If-Match": {current}}, data)
	if err != nil {
		return "", fmt.Errorf("failed to update calendar object: %w", err)
	}
	if etag == "" {
		return c.etagOf(ctx, objectURL)
	}
	return etag, nil
}

// DeleteCalendarObject deletes the object at objectURL. A non-empty etag
// is sent as If-Match.
func (c *davClient) DeleteCalendarObject(ctx context.Context, objectURL string, etag string) error {
	req := httpclient.Request{Method: http.MethodDelete, URL: objectURL}
	if etag != "" {
		req.Header = http.Header{"If-Match": {etag}}
	}
	if _, err := c.http.Do(ctx, req); err != nil {
		return fmt.Errorf("failed to delete calendar object: %w", err)
	}
	return nil
}

// GetCalendarObject fetches and decodes the object at objectURL.
func (c *davClient) GetCalendarObject(ctx context.Context, objectURL string) (*CalendarObject, error) {
	resp, err := c.http.Do(ctx, httpclient.Request{Method: http.MethodGet, URL: objectURL})
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar object: %w", err)
	}
	cal, err := ical.NewDecoder(bytes.NewReader(resp.Body)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse iCalendar data: %w", err)
	}
	return &CalendarObject{URL: resp.URL.Path, ETag: resp.Header.Get("ETag"), Calendar: cal}, nil
}

func (c *davClient) etagOf(ctx context.Context, objectURL string) (string, error) {
	props, err := c.propfindOne(ctx, objectURL, xml.Name(xml.DAV, "getetag"))
	if err != nil {
		return "", fmt.Errorf("failed to get object etag: %w", err)
	}
	etag := props[xml.Name(xml.DAV, "getetag")].TextContent
	if etag == "" {
		return "", fmt.Errorf("no etag found for %s", objectURL)
	}
	return etag, nil
}

// propfindOne returns the found properties of the resource at target.
func (c *davClient) propfindOne(ctx context.Context, target string, names ...string) (map[string]xml.Property, error) {
	return propfindOne(ctx, c.http, target, names...)
}

func propfindOne(ctx context.Context, hc *httpclient.Client, target string, names ...string) (map[string]xml.Property, error) {
	ms, err := hc.Multistatus(ctx, httpclient.Request{
		Method:   "PROPFIND",
		URL:      target,
		Depth:    httpclient.DepthZero,
		Document: httpclient.Propfind(names...),
	})
	if err != nil {
		return nil, err
	}
	if len(ms.Responses) == 0 {
		return nil, fmt.Errorf("empty multistatus for %s", target)
	}
	return foundProps(ms.Responses[0]), nil
}

// foundProps indexes the 200 properties of resp by Clark name.
func foundProps(resp xml.Response) map[string]xml.Property {
	props := make(map[string]xml.Property)
	for _, ps := range resp.PropStats {
		if httpclient.StatusCode(ps.Status) != http.StatusOK {
			continue
		}
		for _, p := range ps.Props {
			props[p.Clark()] = p
		}
	}
	return props
}

// GetCalendarCTag returns the collection's getctag, which changes with
// every member change.
func (c *davClient) GetCalendarCTag(ctx context.Context) (string, error) {
	name := xml.Name(xml.CalendarServer, "getctag")
	props, err := c.propfindOne(ctx, c.calendarURL, name)
	if err != nil {
		return "", fmt.Errorf("failed to get calendar ctag: %w", err)
	}
	p, ok := props[name]
	if !ok {
		return "", fmt.Errorf("no ctag reported for %s", c.calendarURL)
	}
	return p.TextContent, nil
}

// MakeCalendar creates the client's calendar collection. Components
// restricts the supported component set; none allows every component.
func (c *davClient) MakeCalendar(ctx context.Context, displayName string, components ...string) error {
	prop := xml.Property{Namespace: xml.DAV, Name: xml.TagProp}
	if displayName != "" {
		prop.Children = append(prop.Children, xml.NewProperty(xml.DAV, "displayname", displayName))
	}
	if len(components) > 0 {
		set := caldav("supported-calendar-component-set")
		for _, name := range components {
			comp := caldav("comp")
			comp.SetAttr("name", name)
			set.Children = append(set.Children, comp)
		}
		prop.Children = append(prop.Children, set)
	}
	body := caldav(xml.TagMkcalendar, xml.Property{Namespace: xml.DAV, Name: xml.TagSet, Children: []xml.Property{prop}})
	if _, err := c.http.Do(ctx, httpclient.Request{
		Method:   "MKCALENDAR",
		URL:      c.calendarURL,
		Document: httpclient.Document(body),
	}); err != nil {
		return fmt.Errorf("failed to create calendar: %w", err)
	}
	return nil
}
