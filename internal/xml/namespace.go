// Package xml reads and writes the WebDAV and CalDAV request and response
// bodies used by the server.
package xml

import (
	"strings"

	"github.com/beevik/etree"
)

// Namespace definitions for CalDAV and WebDAV
const (
	// DAV is the WebDAV namespace
	DAV = "DAV:"
	// CalDAV is the CalDAV namespace
	CalDAV = "urn:ietf:params:xml:ns:caldav"
	// CalendarServer is the Calendar Server namespace (used by some implementations)
	CalendarServer = "http://calendarserver.org/ns/"
	// Ticket is the namespace of the WebDAV ticket extension.
	Ticket = "http://www.xythos.com/namespaces/StorageServer"
)

var prefixes = map[string]string{
	DAV:            "D",
	CalDAV:         "C",
	CalendarServer: "CS",
	Ticket:         "T",
}

// AddNamespaces adds standard CalDAV namespaces to the XML document
func AddNamespaces(doc *etree.Document) {
	root := doc.Root()
	if root == nil {
		return
	}
	root.CreateAttr("xmlns:D", DAV)
	root.CreateAttr("xmlns:C", CalDAV)
	root.CreateAttr("xmlns:CS", CalendarServer)
	root.CreateAttr("xmlns:T", Ticket)
}

// Prefix returns the prefix declared by AddNamespaces for ns, or "".
func Prefix(ns string) string { return prefixes[ns] }

// Name returns the {namespace}local form of a property name.
func Name(ns, local string) string { return "{" + ns + "}" + local }

// SplitName splits a {namespace}local name. A name without namespace is
// returned as local.
func SplitName(name string) (ns, local string) {
	if !strings.HasPrefix(name, "{") {
		return "", name
	}
	ns, local, ok := strings.Cut(name[1:], "}")
	if !ok {
		return "", name
	}
	return ns, local
}

// NameOf returns the {namespace}local name of elem, resolving its prefix.
func NameOf(elem *etree.Element) string { return Name(elem.NamespaceURI(), elem.Tag) }

// NewElement creates an element in ns. Namespaces declared by
// AddNamespaces use their prefix; others get a local declaration.
func NewElement(ns, local string) *etree.Element {
	elem := etree.NewElement(local)
	if p := Prefix(ns); p != "" {
		elem.Space = p
	} else if ns != "" {
		elem.CreateAttr("xmlns", ns)
	}
	return elem
}

// Is reports whether elem is local in ns.
func Is(elem *etree.Element, ns, local string) bool {
	return elem != nil && elem.Tag == local && elem.NamespaceURI() == ns
}

// Child returns the first child of elem named local in ns.
func Child(elem *etree.Element, ns, local string) *etree.Element {
	for _, c := range elem.ChildElements() {
		if Is(c, ns, local) {
			return c
		}
	}
	return nil
}
