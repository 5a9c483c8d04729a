package xml

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"
)

// ErrEmptyBody is returned when a request has no XML body.
var ErrEmptyBody = errors.New("empty request body")

// ReadDocument reads an XML body. An empty body yields ErrEmptyBody.
func ReadDocument(r io.Reader) (*etree.Document, error) {
	doc := etree.NewDocument()
	n, err := doc.ReadFrom(r)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, ErrEmptyBody
		}
		return nil, fmt.Errorf("malformed XML: %w", err)
	}
	if doc.Root() == nil {
		return nil, ErrEmptyBody
	}
	return doc, nil
}

// PropfindRequest represents a PROPFIND request
type PropfindRequest struct {
	// Props holds {namespace}name property names.
	Props     []string
	PropNames bool
	AllProp   bool
}

// ParsePropfind parses a PROPFIND body. A nil document asks for allprop.
func ParsePropfind(doc *etree.Document) (*PropfindRequest, error) {
	r := &PropfindRequest{}
	if doc == nil {
		r.AllProp = true
		return r, nil
	}
	root := doc.Root()
	if !Is(root, DAV, TagPropfind) {
		return nil, fmt.Errorf("invalid root tag: %s", root.Tag)
	}
	for _, child := range root.ChildElements() {
		switch {
		case Is(child, DAV, TagProp):
			for _, p := range child.ChildElements() {
				r.Props = append(r.Props, NameOf(p))
			}
		case Is(child, DAV, TagPropname):
			r.PropNames = true
		case Is(child, DAV, TagAllprop):
			r.AllProp = true
		}
	}
	if !r.AllProp && !r.PropNames && len(r.Props) == 0 {
		return nil, fmt.Errorf("propfind names no properties")
	}
	return r, nil
}

// PropertyUpdate is a PROPPATCH body, or the property part of MKCALENDAR
// and extended MKCOL.
type PropertyUpdate struct {
	// Set maps {namespace}name to the property text.
	Set map[string]string
	// Elements keeps the set elements for properties with structure.
	Elements map[string]*etree.Element
	Remove   []string
	// Order lists every set or removed name in document order.
	Order []string
}

func newPropertyUpdate() *PropertyUpdate {
	return &PropertyUpdate{Set: make(map[string]string), Elements: make(map[string]*etree.Element)}
}

func (u *PropertyUpdate) addSet(container *etree.Element) {
	for _, prop := range container.ChildElements() {
		if !Is(prop, DAV, TagProp) {
			continue
		}
		for _, p := range prop.ChildElements() {
			name := NameOf(p)
			u.Set[name] = strings.TrimSpace(p.Text())
			u.Elements[name] = p
			u.Order = append(u.Order, name)
		}
	}
}

func (u *PropertyUpdate) addRemove(container *etree.Element) {
	for _, prop := range container.ChildElements() {
		if !Is(prop, DAV, TagProp) {
			continue
		}
		for _, p := range prop.ChildElements() {
			name := NameOf(p)
			u.Remove = append(u.Remove, name)
			u.Order = append(u.Order, name)
		}
	}
}

// ParseProppatch parses a propertyupdate body.
func ParseProppatch(doc *etree.Document) (*PropertyUpdate, error) {
	root := doc.Root()
	if !Is(root, DAV, TagPropertyUpd) {
		return nil, fmt.Errorf("invalid root tag: %s", root.Tag)
	}
	u := newPropertyUpdate()
	for _, child := range root.ChildElements() {
		switch {
		case Is(child, DAV, TagSet):
			u.addSet(child)
		case Is(child, DAV, TagRemove):
			u.addRemove(child)
		}
	}
	if len(u.Order) == 0 {
		return nil, fmt.Errorf("propertyupdate changes nothing")
	}
	return u, nil
}

// MkcolRequest is the body of MKCALENDAR or an extended MKCOL.
type MkcolRequest struct {
	Props *PropertyUpdate
	// Calendar is set for MKCALENDAR and for MKCOL asking for a calendar
	// resourcetype.
	Calendar bool
	// Components lists supported-calendar-component-set names.
	Components []string
}

// ParseMkcol parses a MKCALENDAR or extended MKCOL body. A nil document
// yields an empty request.
func ParseMkcol(doc *etree.Document, calendar bool) (*MkcolRequest, error) {
	r := &MkcolRequest{Props: newPropertyUpdate(), Calendar: calendar}
	if doc == nil {
		return r, nil
	}
	root := doc.Root()
	switch {
	case calendar && Is(root, CalDAV, TagMkcalendar):
	case !calendar && Is(root, DAV, TagMkcol):
	default:
		return nil, fmt.Errorf("invalid root tag: %s", root.Tag)
	}
	for _, child := range root.ChildElements() {
		if Is(child, DAV, TagSet) {
			r.Props.addSet(child)
		}
	}

	if rt, ok := r.Props.Elements[Name(DAV, TagResourcetype)]; ok {
		if Child(rt, CalDAV, TagCalendar) != nil {
			r.Calendar = true
		}
		r.Props.drop(Name(DAV, TagResourcetype))
	}
	compSet := Name(CalDAV, "supported-calendar-component-set")
	if set, ok := r.Props.Elements[compSet]; ok {
		for _, comp := range set.ChildElements() {
			if Is(comp, CalDAV, "comp") {
				if name := comp.SelectAttrValue("name", ""); name != "" {
					r.Components = append(r.Components, strings.ToUpper(name))
				}
			}
		}
		r.Props.drop(compSet)
	}
	return r, nil
}

func (u *PropertyUpdate) drop(name string) {
	delete(u.Set, name)
	delete(u.Elements, name)
	for i, n := range u.Order {
		if n == name {
			u.Order = append(u.Order[:i], u.Order[i+1:]...)
			break
		}
	}
}

// LockInfo is the body of a LOCK request creating a lock.
type LockInfo struct {
	Shared bool
	// Owner is the serialized content of the owner element.
	Owner string
}

// ParseLockInfo parses a lockinfo body.
func ParseLockInfo(doc *etree.Document) (*LockInfo, error) {
	root := doc.Root()
	if !Is(root, DAV, "lockinfo") {
		return nil, fmt.Errorf("invalid root tag: %s", root.Tag)
	}
	info := &LockInfo{}
	scope := Child(root, DAV, "lockscope")
	if scope == nil {
		return nil, fmt.Errorf("lockinfo without lockscope")
	}
	switch {
	case Child(scope, DAV, "shared") != nil:
		info.Shared = true
	case Child(scope, DAV, "exclusive") != nil:
	default:
		return nil, fmt.Errorf("unknown lock scope")
	}
	if lt := Child(root, DAV, "locktype"); lt == nil || Child(lt, DAV, "write") == nil {
		return nil, fmt.Errorf("only write locks are supported")
	}
	if owner := Child(root, DAV, "owner"); owner != nil {
		if href := Child(owner, DAV, TagHref); href != nil {
			info.Owner = strings.TrimSpace(href.Text())
		} else {
			info.Owner = strings.TrimSpace(owner.Text())
		}
	}
	return info, nil
}

// ActiveLock describes one lock in a lockdiscovery property.
type ActiveLock struct {
	Token   string
	Root    string
	Owner   string
	Shared  bool
	Depth   string
	Timeout string
}

// LockDiscovery renders the lockdiscovery property for locks.
func LockDiscovery(locks []ActiveLock) Property {
	prop := Property{Namespace: DAV, Name: "lockdiscovery"}
	for _, l := range locks {
		scope := "exclusive"
		if l.Shared {
			scope = "shared"
		}
		active := Property{Namespace: DAV, Name: "activelock", Children: []Property{
			{Namespace: DAV, Name: "locktype", Children: []Property{{Namespace: DAV, Name: "write"}}},
			{Namespace: DAV, Name: "lockscope", Children: []Property{{Namespace: DAV, Name: scope}}},
			NewProperty(DAV, "depth", l.Depth),
		}}
		if l.Owner != "" {
			active.Children = append(active.Children, Property{Namespace: DAV, Name: "owner", Children: []Property{NewProperty(DAV, TagHref, l.Owner)}})
		}
		active.Children = append(active.Children,
			NewProperty(DAV, "timeout", l.Timeout),
			Property{Namespace: DAV, Name: "locktoken", Children: []Property{NewProperty(DAV, TagHref, l.Token)}},
			Property{Namespace: DAV, Name: "lockroot", Children: []Property{NewProperty(DAV, TagHref, l.Root)}},
		)
		prop.Children = append(prop.Children, active)
	}
	return prop
}

// PropDocument wraps properties in a DAV:prop document, the body of LOCK
// and MKTICKET responses.
func PropDocument(props ...Property) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := NewElement(DAV, TagProp)
	doc.SetRoot(root)
	AddNamespaces(doc)
	for _, p := range props {
		root.AddChild(p.ToElement())
	}
	doc.Indent(2)
	return doc
}
