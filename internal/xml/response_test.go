package xml

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaces(t *testing.T) {
	assert.Equal(t, "{DAV:}getetag", Name(DAV, "getetag"))
	ns, local := SplitName("{urn:ietf:params:xml:ns:caldav}calendar-data")
	assert.Equal(t, CalDAV, ns)
	assert.Equal(t, "calendar-data", local)
	ns, local = SplitName("plain")
	assert.Empty(t, ns)
	assert.Equal(t, "plain", local)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(`<x:a xmlns:x="DAV:"><b xmlns="http://example.com/"/></x:a>`))
	assert.Equal(t, "{DAV:}a", NameOf(doc.Root()))
	assert.Equal(t, "{http://example.com/}b", NameOf(doc.Root().ChildElements()[0]))
	assert.True(t, Is(doc.Root(), DAV, "a"))
	assert.Nil(t, Child(doc.Root(), DAV, "b"))
}

func TestMultistatusRoundTrip(t *testing.T) {
	ms := MultistatusResponse{Responses: []Response{
		NewPropResponse("/alice/work/",
			[]Property{
				NewProperty(DAV, "displayname", "Work"),
				{Namespace: DAV, Name: TagResourcetype, Children: []Property{
					{Namespace: DAV, Name: TagCollection},
					{Namespace: CalDAV, Name: TagCalendar},
				}},
				NewProperty("http://example.com/ns/", "color", "#ff0000"),
			},
			[]string{Name(CalendarServer, "getctag-x")},
		),
		NewStatusResponse("/alice/work/gone.ics", http.StatusNotFound),
		{
			Href:   "/alice/work/locked.ics",
			Status: Status(http.StatusLocked),
			Error:  &Error{Namespace: DAV, Tag: "lock-token-submitted"},
		},
	}}

	var buf bytes.Buffer
	_, err := ms.WriteTo(&buf)
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, `<D:multistatus xmlns:D="DAV:"`)
	assert.Contains(t, out, `<D:status>HTTP/1.1 404 Not Found</D:status>`)
	assert.Contains(t, out, `<color xmlns="http://example.com/ns/">#ff0000</color>`)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(buf.Bytes()))
	var parsed MultistatusResponse
	require.NoError(t, parsed.Parse(doc))
	require.Len(t, parsed.Responses, 3)

	first := parsed.Responses[0]
	assert.Equal(t, "/alice/work/", first.Href)
	require.Len(t, first.PropStats, 2)
	assert.Equal(t, "HTTP/1.1 200 OK", first.PropStats[0].Status)
	require.Len(t, first.PropStats[0].Props, 3)
	assert.Equal(t, "Work", first.PropStats[0].Props[0].TextContent)
	rt := first.PropStats[0].Props[1]
	assert.Equal(t, Name(DAV, TagResourcetype), rt.Clark())
	require.Len(t, rt.Children, 2)
	assert.Equal(t, Name(CalDAV, TagCalendar), rt.Children[1].Clark())
	assert.Equal(t, "{http://example.com/ns/}color", first.PropStats[0].Props[2].Clark())
	assert.Equal(t, Name(CalendarServer, "getctag-x"), first.PropStats[1].Props[0].Clark())

	assert.Equal(t, "HTTP/1.1 404 Not Found", parsed.Responses[1].Status)
	require.NotNil(t, parsed.Responses[2].Error)
	assert.Equal(t, "lock-token-submitted", parsed.Responses[2].Error.Tag)
	assert.Equal(t, DAV, parsed.Responses[2].Error.Namespace)
}

func TestMultistatusParseRejectsOtherRoots(t *testing.T) {
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(`<D:prop xmlns:D="DAV:"/>`))
	var ms MultistatusResponse
	assert.Error(t, ms.Parse(doc))
	assert.Error(t, ms.Parse(etree.NewDocument()))
}
