package storage

import (
	"maps"
	"slices"
	"time"

	"github.com/cyp0633/caldora/server/calendar"
)

// NodeID is the stable identifier of a node in the store arena.
type NodeID string

// NodeKind tags the two node variants.
type NodeKind uint8

const (
	KindCollection NodeKind = iota + 1
	KindItem
)

func (k NodeKind) String() string {
	switch k {
	case KindCollection:
		return "collection"
	case KindItem:
		return "item"
	default:
		return "unknown"
	}
}

// ItemKind tags the item variants.
type ItemKind uint8

const (
	ItemCalendar ItemKind = iota + 1
	ItemFile
)

func (k ItemKind) String() string {
	switch k {
	case ItemCalendar:
		return "calendar"
	case ItemFile:
		return "file"
	default:
		return "unknown"
	}
}

// Variant enumerates the concrete node shapes for exhaustive switches.
type Variant uint8

const (
	VariantCollection Variant = iota + 1
	VariantCalendarCollection
	VariantCalendarItem
	VariantFile
)

// CollectionData holds the collection variant of a node.
type CollectionData struct {
	// Calendar marks a calendar collection (MKCALENDAR).
	Calendar bool
	// SupportedComponents restricts calendar items to these component
	// names. Empty allows every calendar component.
	SupportedComponents []string
	// TimeZone resolves floating and date values of member items.
	TimeZone string
	// ExcludeFreeBusyRollup leaves the collection out of principal
	// free-busy aggregation.
	ExcludeFreeBusyRollup bool
}

// Supports reports whether the collection accepts calendar items of kind.
func (c *CollectionData) Supports(kind string) bool {
	return len(c.SupportedComponents) == 0 || slices.Contains(c.SupportedComponents, kind)
}

// Location returns the collection time zone, UTC when unset or unknown.
func (c *CollectionData) Location() *time.Location {
	if c == nil || c.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *CollectionData) clone() *CollectionData {
	if c == nil {
		return nil
	}
	cp := *c
	cp.SupportedComponents = slices.Clone(c.SupportedComponents)
	return &cp
}

// ItemData holds the item variant of a node.
type ItemData struct {
	Kind ItemKind
	// Calendar is the parsed form of Text, set for ItemCalendar.
	Calendar *calendar.Item
	// Text is the iCalendar text as stored.
	Text string
	// Data and ContentType describe an ItemFile.
	Data        []byte
	ContentType string
}

// Bytes returns the stored content.
func (d *ItemData) Bytes() []byte {
	if d.Kind == ItemCalendar {
		return []byte(d.Text)
	}
	return d.Data
}

// Node is one repository entry. Nodes are immutable once published; a
// mutation replaces the node value instead of changing it.
type Node struct {
	ID       NodeID
	UID      string
	ParentID NodeID
	Name     string
	Path     string

	DisplayName string
	Properties  map[string]string
	Created     time.Time
	Modified    time.Time
	ETag        string

	Kind       NodeKind
	Collection *CollectionData
	Item       *ItemData

	Tickets []TicketRecord
}

// Variant classifies n for exhaustive matching.
func (n *Node) Variant() Variant {
	switch n.Kind {
	case KindCollection:
		if n.Collection != nil && n.Collection.Calendar {
			return VariantCalendarCollection
		}
		return VariantCollection
	default:
		if n.Item != nil && n.Item.Kind == ItemCalendar {
			return VariantCalendarItem
		}
		return VariantFile
	}
}

// IsCollection reports whether n is a collection.
func (n *Node) IsCollection() bool { return n.Kind == KindCollection }

// IsCalendarCollection reports whether n is a calendar collection.
func (n *Node) IsCalendarCollection() bool { return n.Variant() == VariantCalendarCollection }

// CalendarItem returns the parsed calendar data of a calendar item node.
func (n *Node) CalendarItem() (*calendar.Item, bool) {
	if n.Variant() != VariantCalendarItem {
		return nil, false
	}
	return n.Item.Calendar, true
}

// ContentType is the media type of the node content.
func (n *Node) ContentType() string {
	switch n.Variant() {
	case VariantCalendarItem:
		return "text/calendar; charset=utf-8"
	case VariantFile:
		return n.Item.ContentType
	default:
		return ""
	}
}

// clone returns a copy of n that can be modified before publishing.
// Calendar data and file bytes are shared; they are never mutated.
func (n *Node) clone() *Node {
	cp := *n
	cp.Properties = maps.Clone(n.Properties)
	cp.Collection = n.Collection.clone()
	if n.Item != nil {
		item := *n.Item
		cp.Item = &item
	}
	cp.Tickets = slices.Clone(n.Tickets)
	return &cp
}

// Content describes what a write stores in a node.
type Content struct {
	kind        NodeKind
	itemKind    ItemKind
	text        string
	data        []byte
	contentType string
	collection  *CollectionData
}

// CalendarContent is iCalendar text for a calendar item.
func CalendarContent(text string) Content {
	return Content{kind: KindItem, itemKind: ItemCalendar, text: text}
}

// FileContent is an opaque item.
func FileContent(data []byte, contentType string) Content {
	return Content{kind: KindItem, itemKind: ItemFile, data: slices.Clone(data), contentType: contentType}
}

// CollectionContent creates a collection.
func CollectionContent(data CollectionData) Content {
	return Content{kind: KindCollection, collection: data.clone()}
}

// Kind is the node kind the content produces.
func (c Content) Kind() NodeKind { return c.kind }
