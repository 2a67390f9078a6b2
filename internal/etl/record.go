package etl

import (
	"maps"
	"time"
)

// RawRecord is one source-native record as fetched.
type RawRecord struct {
	// Position is the source-assigned marker of this record, e.g. its key or row offset.
	Position string
	Payload  map[string]any
}

// StandardizedRecord is the canonical post-transform record. Steps must not
// mutate a record they received; they return a modified copy.
type StandardizedRecord struct {
	Key           string
	Timestamp     time.Time
	SourceID      string
	SchemaVersion int
	Payload       map[string]any
}

// With returns a copy of r whose payload is a shallow clone, safe to modify.
func (r StandardizedRecord) With() StandardizedRecord {
	r.Payload = maps.Clone(r.Payload)
	if r.Payload == nil {
		r.Payload = map[string]any{}
	}
	return r
}

// Cursor is an opaque resumption marker. Sequence grows by one per committed batch.
type Cursor struct {
	SourceID string `json:"sourceId" bson:"sourceId"`
	Position string `json:"position" bson:"position"`
	Sequence int64  `json:"sequence" bson:"sequence"`
}

// IsInitial reports whether c means "from the beginning".
func (c Cursor) IsInitial() bool {
	return c.Sequence == 0 && c.Position == ""
}

// Batch is the result of one Fetch call.
type Batch struct {
	ID       string
	SourceID string
	Records  []RawRecord
	// Cursor is the position the batch was fetched from, Next the position after it.
	Cursor  Cursor
	Next    Cursor
	HasMore bool
}

// LoadBatch is the ordered standardized subset of a Batch handed to a Target.
type LoadBatch struct {
	ID       string
	SourceID string
	Records  []StandardizedRecord
}

// LoadResult reports per-record load outcomes keyed by record key.
type LoadResult struct {
	Committed []string
	Failed    map[string]error
}

// Success reports whether no record failed.
func (r LoadResult) Success() bool { return len(r.Failed) == 0 }
