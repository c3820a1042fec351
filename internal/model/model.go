// Package model holds the wire/storage-level types shared by the
// gateway, listener, local store and coordinator: everything below the
// facade operates on opaque key/value bytes plus version metadata, never
// on the caller's decoded value type (spec.md §3).
package model

import "time"

// Entry is the authoritative database row shape (spec.md §3, "Entry").
type Entry struct {
	Key       []byte
	Value     []byte // nil denotes a tombstone-in-transit
	Version   int64
	CreatedAt time.Time
	ExpiresAt *time.Time // nil == no TTL
}

// Fresh reports whether the entry has not yet passed its TTL as of now.
func (e Entry) Fresh(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// Op identifies the kind of mutation an Event reports.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Event is the notification payload emitted by the broadcast trigger
// (spec.md §3, "Event"). It deliberately carries no value bytes.
type Event struct {
	Op        Op
	Key       []byte
	Version   int64
	ExpiresAt *time.Time // only meaningful for OpUpsert
}

// LocalEntry is the process-local cache line (spec.md §3, "Local
// entry"). Value is the decoded form, kept ready to return without a
// re-decode on every local hit.
type LocalEntry struct {
	Value      any
	Version    int64
	ExpiresAt  *time.Time
	InsertedAt time.Time
}

// Fresh reports whether the local entry has not yet passed its TTL.
func (e LocalEntry) Fresh(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}
