package xml

import (
	"fmt"
	"io"
	"net/http"

	"github.com/beevik/etree"
)

// MultistatusResponse represents a multistatus response
type MultistatusResponse struct {
	Responses []Response
}

// Response represents a single response within a multistatus
type Response struct {
	Href        string
	PropStats   []PropStat
	Error       *Error
	Status      string
	Description string
}

// PropStat represents property status in a response
type PropStat struct {
	Props  []Property
	Status string
}

// NewPropResponse builds a response listing found properties under 200 and
// the names in missing under 404.
func NewPropResponse(href string, found []Property, missing []string) Response {
	resp := Response{Href: href}
	if len(found) > 0 {
		resp.PropStats = append(resp.PropStats, PropStat{Props: found, Status: Status(http.StatusOK)})
	}
	if len(missing) > 0 {
		ps := PropStat{Status: Status(http.StatusNotFound)}
		for _, name := range missing {
			ps.Props = append(ps.Props, EmptyProperty(name))
		}
		resp.PropStats = append(resp.PropStats, ps)
	}
	return resp
}

// NewStatusResponse builds a response carrying only a status.
func NewStatusResponse(href string, code int) Response {
	return Response{Href: href, Status: Status(code)}
}

// Parse parses a multistatus response from an XML document
func (m *MultistatusResponse) Parse(doc *etree.Document) error {
	if doc == nil || doc.Root() == nil {
		return fmt.Errorf("empty document")
	}

	root := doc.Root()
	if !Is(root, DAV, TagMultistatus) {
		return fmt.Errorf("invalid root tag: %s", root.Tag)
	}

	m.Responses = nil

	for _, respElem := range root.ChildElements() {
		if !Is(respElem, DAV, TagResponse) {
			continue
		}
		resp := Response{}
		if hrefElem := Child(respElem, DAV, TagHref); hrefElem != nil {
			resp.Href = hrefElem.Text()
		}
		if statusElem := Child(respElem, DAV, TagStatus); statusElem != nil {
			resp.Status = statusElem.Text()
		}
		if desc := Child(respElem, DAV, TagDescription); desc != nil {
			resp.Description = desc.Text()
		}
		if errorElem := Child(respElem, DAV, TagError); errorElem != nil {
			if child := errorElem.ChildElements(); len(child) > 0 {
				resp.Error = &Error{
					Tag:       child[0].Tag,
					Namespace: child[0].NamespaceURI(),
					Message:   child[0].Text(),
				}
			}
		}

		for _, propstatElem := range respElem.ChildElements() {
			if !Is(propstatElem, DAV, TagPropstat) {
				continue
			}
			propstat := PropStat{}
			if propElem := Child(propstatElem, DAV, TagProp); propElem != nil {
				for _, prop := range propElem.ChildElements() {
					property := Property{}
					property.FromElement(prop)
					propstat.Props = append(propstat.Props, property)
				}
			}
			if statusElem := Child(propstatElem, DAV, TagStatus); statusElem != nil {
				propstat.Status = statusElem.Text()
			}
			resp.PropStats = append(resp.PropStats, propstat)
		}

		m.Responses = append(m.Responses, resp)
	}

	return nil
}

// ToXML converts a MultistatusResponse to an XML document
func (m *MultistatusResponse) ToXML() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := NewElement(DAV, TagMultistatus)
	doc.SetRoot(root)
	AddNamespaces(doc)

	for _, resp := range m.Responses {
		response := root.CreateElement("D:" + TagResponse)
		response.CreateElement("D:" + TagHref).SetText(resp.Href)

		switch {
		case resp.Status != "":
			response.CreateElement("D:" + TagStatus).SetText(resp.Status)
		default:
			for _, propstat := range resp.PropStats {
				ps := response.CreateElement("D:" + TagPropstat)
				prop := ps.CreateElement("D:" + TagProp)
				for _, p := range propstat.Props {
					prop.AddChild(p.ToElement())
				}
				ps.CreateElement("D:" + TagStatus).SetText(propstat.Status)
			}
		}
		if resp.Error != nil {
			response.AddChild(resp.Error.ToElement())
		}
		if resp.Description != "" {
			response.CreateElement("D:" + TagDescription).SetText(resp.Description)
		}
	}

	return doc
}

// WriteTo writes the multistatus document to w.
func (m *MultistatusResponse) WriteTo(w io.Writer) (int64, error) {
	doc := m.ToXML()
	doc.Indent(2)
	return doc.WriteTo(w)
}
