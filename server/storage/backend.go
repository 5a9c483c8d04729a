package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Backend is the transactional key-addressable store behind a Store.
// Records are keyed by node path.
type Backend interface {
	// Get returns the record at path, or an ErrNotFound error.
	Get(ctx context.Context, path string) (*Record, error)
	// List returns every record.
	List(ctx context.Context) ([]*Record, error)
	// Apply writes puts and removes deletes in one serializable
	// transaction. Either all of it happens or none of it does.
	Apply(ctx context.Context, puts []*Record, deletes []string) error
}

// Record is the persisted form of a node: structural metadata and the
// raw content (iCalendar text for calendar items).
type Record struct {
	Path    string
	Meta    []byte
	Content []byte
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	return &Record{
		Path:    r.Path,
		Meta:    append([]byte(nil), r.Meta...),
		Content: append([]byte(nil), r.Content...),
	}
}

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// metadata always encodes to the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// meta is the persisted structural metadata of a node.
type meta struct {
	ID          NodeID            `cbor:"id"`
	UID         string            `cbor:"uid"`
	ParentID    NodeID            `cbor:"parent,omitempty"`
	Kind        NodeKind          `cbor:"kind"`
	ItemKind    ItemKind          `cbor:"item_kind,omitempty"`
	ContentType string            `cbor:"content_type,omitempty"`
	DisplayName string            `cbor:"displayname,omitempty"`
	Properties  map[string]string `cbor:"props,omitempty"`
	Created     time.Time         `cbor:"created"`
	Modified    time.Time         `cbor:"modified"`
	ETag        string            `cbor:"etag"`
	Collection  *collectionMeta   `cbor:"collection,omitempty"`
	Tickets     []TicketRecord    `cbor:"tickets,omitempty"`
	Locks       []lockMeta        `cbor:"locks,omitempty"`
}

type collectionMeta struct {
	Calendar              bool     `cbor:"calendar,omitempty"`
	SupportedComponents   []string `cbor:"components,omitempty"`
	TimeZone              string   `cbor:"tz,omitempty"`
	ExcludeFreeBusyRollup bool     `cbor:"exclude_fb,omitempty"`
}

type lockMeta struct {
	Token   string    `cbor:"token"`
	Owner   string    `cbor:"owner,omitempty"`
	Scope   LockScope `cbor:"scope"`
	Depth   Depth     `cbor:"depth"`
	Timeout int64     `cbor:"timeout"`
	Expires time.Time `cbor:"expires"`
}

// encodeRecord renders n and the client locks rooted at it.
func encodeRecord(n *Node, locks []*Lock) (*Record, error) {
	m := meta{
		ID:          n.ID,
		UID:         n.UID,
		ParentID:    n.ParentID,
		Kind:        n.Kind,
		DisplayName: n.DisplayName,
		Properties:  n.Properties,
		Created:     n.Created.UTC(),
		Modified:    n.Modified.UTC(),
		ETag:        n.ETag,
		Tickets:     n.Tickets,
	}
	if c := n.Collection; c != nil {
		m.Collection = &collectionMeta{
			Calendar:              c.Calendar,
			SupportedComponents:   c.SupportedComponents,
			TimeZone:              c.TimeZone,
			ExcludeFreeBusyRollup: c.ExcludeFreeBusyRollup,
		}
	}
	var content []byte
	if n.Item != nil {
		m.ItemKind = n.Item.Kind
		m.ContentType = n.Item.ContentType
		content = n.Item.Bytes()
	}
	for _, l := range locks {
		m.Locks = append(m.Locks, lockMeta{
			Token:   l.Token,
			Owner:   l.Owner,
			Scope:   l.Scope,
			Depth:   l.Depth,
			Timeout: int64(l.Timeout),
			Expires: l.Expires.UTC(),
		})
	}
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata of %s: %w", n.Path, err)
	}
	return &Record{Path: n.Path, Meta: data, Content: content}, nil
}

// decodeRecord restores the node fields of r. Calendar content is left
// unparsed; the caller resolves it against the parent collection.
func decodeRecord(r *Record) (*Node, []*Lock, error) {
	var m meta
	if err := decMode.Unmarshal(r.Meta, &m); err != nil {
		return nil, nil, fmt.Errorf("decode metadata of %s: %w", r.Path, err)
	}
	n := &Node{
		ID:          m.ID,
		UID:         m.UID,
		ParentID:    m.ParentID,
		Path:        CleanPath(r.Path),
		DisplayName: m.DisplayName,
		Properties:  m.Properties,
		Created:     m.Created,
		Modified:    m.Modified,
		ETag:        m.ETag,
		Kind:        m.Kind,
		Tickets:     m.Tickets,
	}
	_, n.Name = SplitPath(n.Path)
	switch m.Kind {
	case KindCollection:
		n.Collection = &CollectionData{}
		if c := m.Collection; c != nil {
			n.Collection = &CollectionData{
				Calendar:              c.Calendar,
				SupportedComponents:   c.SupportedComponents,
				TimeZone:              c.TimeZone,
				ExcludeFreeBusyRollup: c.ExcludeFreeBusyRollup,
			}
		}
	case KindItem:
		n.Item = &ItemData{Kind: m.ItemKind, ContentType: m.ContentType}
		if m.ItemKind == ItemCalendar {
			n.Item.Text = string(r.Content)
		} else {
			n.Item.Data = r.Content
		}
	default:
		return nil, nil, fmt.Errorf("record %s has unknown node kind %d", r.Path, m.Kind)
	}
	locks := make([]*Lock, 0, len(m.Locks))
	for _, lm := range m.Locks {
		locks = append(locks, &Lock{
			Token:   lm.Token,
			Root:    n.Path,
			Owner:   lm.Owner,
			Scope:   lm.Scope,
			Depth:   lm.Depth,
			Timeout: time.Duration(lm.Timeout),
			Expires: lm.Expires,
		})
	}
	return n, locks, nil
}
