package xml

import (
	"fmt"
	"net/http"

	"github.com/beevik/etree"
)

// Common XML tag names used in CalDAV
const (
	TagPropfind     = "propfind"
	TagPropertyUpd  = "propertyupdate"
	TagSet          = "set"
	TagRemove       = "remove"
	TagProp         = "prop"
	TagPropname     = "propname"
	TagAllprop      = "allprop"
	TagMultistatus  = "multistatus"
	TagResponse     = "response"
	TagHref         = "href"
	TagPropstat     = "propstat"
	TagStatus       = "status"
	TagError        = "error"
	TagDescription  = "responsedescription"
	TagResourcetype = "resourcetype"
	TagCollection   = "collection"
	TagCalendar     = "calendar"
	TagMkcalendar   = "mkcalendar"
	TagMkcol        = "mkcol"
	TagCalendarData = "calendar-data"
)

// Property represents a generic XML property
type Property struct {
	Name        string
	Namespace   string
	TextContent string
	Children    []Property
	Attributes  map[string]string
}

// NewProperty returns a text property.
func NewProperty(ns, name, text string) Property {
	return Property{Namespace: ns, Name: name, TextContent: text}
}

// EmptyProperty returns the bare property name, as used for 404 propstats.
func EmptyProperty(clark string) Property {
	ns, local := SplitName(clark)
	return Property{Namespace: ns, Name: local}
}

// Clark returns the {namespace}name form of p.
func (p *Property) Clark() string { return Name(p.Namespace, p.Name) }

// ToElement converts a Property to an etree.Element
func (p *Property) ToElement() *etree.Element {
	elem := NewElement(p.Namespace, p.Name)
	if p.TextContent != "" {
		elem.SetText(p.TextContent)
	}
	for key, value := range p.Attributes {
		elem.CreateAttr(key, value)
	}
	for _, child := range p.Children {
		elem.AddChild(child.ToElement())
	}
	return elem
}

// FromElement populates a Property from an etree.Element
func (p *Property) FromElement(elem *etree.Element) {
	p.Name = elem.Tag
	p.Namespace = elem.NamespaceURI()
	p.TextContent = elem.Text()
	p.Children = nil
	p.Attributes = make(map[string]string)

	for _, attr := range elem.Attr {
		if attr.Space == "xmlns" || attr.Key == "xmlns" {
			continue
		}
		p.Attributes[attr.Key] = attr.Value
	}

	for _, child := range elem.ChildElements() {
		childProp := Property{}
		childProp.FromElement(child)
		p.Children = append(p.Children, childProp)
	}
}

// GetAttr returns the value of an attribute, or empty string if not found
func (p *Property) GetAttr(name string) string {
	if p.Attributes == nil {
		return ""
	}
	return p.Attributes[name]
}

// SetAttr sets an attribute value
func (p *Property) SetAttr(name, value string) {
	if p.Attributes == nil {
		p.Attributes = make(map[string]string)
	}
	p.Attributes[name] = value
}

// Error represents a WebDAV error response
type Error struct {
	Namespace string
	Tag       string
	Message   string
}

// ToElement converts an Error to an etree.Element
func (e *Error) ToElement() *etree.Element {
	err := NewElement(DAV, TagError)
	tag := NewElement(e.Namespace, e.Tag)
	if e.Message != "" {
		tag.SetText(e.Message)
	}
	err.AddChild(tag)
	return err
}

// Status renders an HTTP status line for code.
func Status(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

// ErrorDocument wraps e in a standalone DAV:error document.
func ErrorDocument(e Error) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	doc.SetRoot(e.ToElement())
	AddNamespaces(doc)
	doc.Indent(2)
	return doc
}
