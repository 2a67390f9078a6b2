package etl

import (
	"context"
	"time"
)

// Source yields batches of raw records from a cursor position. Fetching the
// same cursor again must return records that are safe to reprocess, and
// Fetch must not mutate remote state. Errors should be *Error values built
// with ConnectionError, AuthError, RateLimitError or MalformedResponseError.
type Source interface {
	Fetch(ctx context.Context, cursor Cursor, limit int) (*Batch, error)
}

// Target commits batches idempotently (upsert by key or all-or-nothing).
// A non-nil error is a whole-batch failure; records committed before it must
// still be listed in the result.
type Target interface {
	Load(ctx context.Context, batch *LoadBatch) (LoadResult, error)
}

// Checkpoint is the persisted progress record of one source.
type Checkpoint struct {
	SourceID        string    `json:"sourceId" bson:"_id"`
	Cursor          Cursor    `json:"cursor" bson:"cursor"`
	LastCommittedAt time.Time `json:"lastCommittedAt" bson:"lastCommittedAt"`
	RunStatus       RunStatus `json:"runStatus" bson:"runStatus"`
}

// CheckpointStore durably persists per-source cursors. Commit is atomic with
// respect to concurrent Load calls for the same source and must reject a
// cursor whose Sequence does not exceed the stored one (ErrCursorRegression).
// Load returns a zero Checkpoint carrying an initial cursor when none exists.
type CheckpointStore interface {
	Load(ctx context.Context, sourceID string) (Checkpoint, error)
	Commit(ctx context.Context, sourceID string, cursor Cursor) error
	SetStatus(ctx context.Context, sourceID string, status RunStatus) error
}
