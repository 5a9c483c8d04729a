// Package storage is the item store of the calendar repository: a
// hierarchy of collections and items addressed by path, with locks,
// tickets and content-derived ETags.
//
// A Store keeps every node in memory and writes through to a Backend,
// the transactional key-addressable store that holds the persisted
// records. Connect your own database by implementing Backend; the memory
// and sqlite subpackages provide two implementations. Please use the
// error types provided.
package storage
