package storage

import (
	"cmp"
	"encoding/hex"
	"slices"

	"github.com/zeebo/blake3"
)

// etagInput is everything an ETag depends on. Paths, timestamps and node
// ids are left out so that stores replaying the same mutations agree.
type etagInput struct {
	Kind        NodeKind          `cbor:"kind"`
	ItemKind    ItemKind          `cbor:"item_kind,omitempty"`
	DisplayName string            `cbor:"displayname,omitempty"`
	Properties  map[string]string `cbor:"props,omitempty"`
	ContentType string            `cbor:"content_type,omitempty"`
	Collection  *collectionMeta   `cbor:"collection,omitempty"`
	Content     []byte            `cbor:"content,omitempty"`
}

// computeETag derives the entity tag of n from its persisted content and
// property set.
func computeETag(n *Node) string {
	in := etagInput{
		Kind:        n.Kind,
		DisplayName: n.DisplayName,
		Properties:  n.Properties,
	}
	if c := n.Collection; c != nil {
		components := slices.Clone(c.SupportedComponents)
		slices.Sort(components)
		in.Collection = &collectionMeta{
			Calendar:              c.Calendar,
			SupportedComponents:   components,
			TimeZone:              c.TimeZone,
			ExcludeFreeBusyRollup: c.ExcludeFreeBusyRollup,
		}
	}
	if n.Item != nil {
		in.ItemKind = n.Item.Kind
		in.ContentType = n.Item.ContentType
		in.Content = n.Item.Bytes()
	}
	// Deterministic encoding of plain values cannot fail.
	data, _ := encMode.Marshal(in)
	sum := blake3.Sum256(data)
	return `"` + hex.EncodeToString(sum[:])[:32] + `"`
}

// computeCTag derives a collection tag from the names and entity tags of
// its members. Any member change produces a new value.
func computeCTag(children []*Node) string {
	h := blake3.New()
	sorted := slices.Clone(children)
	slices.SortFunc(sorted, func(a, b *Node) int { return cmp.Compare(a.Name, b.Name) })
	for _, c := range sorted {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		h.Write([]byte(c.ETag))
		h.Write([]byte{0})
	}
	return `"` + hex.EncodeToString(h.Sum(nil))[:32] + `"`
}
