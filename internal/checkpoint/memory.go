// Package checkpoint provides durable etl.CheckpointStore implementations
// keyed by source id.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BartekS5/syncflow/internal/etl"
)

// MemoryStore keeps checkpoints in process memory. It is used for tests and
// dry runs; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]etl.Checkpoint
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]etl.Checkpoint{}, now: time.Now}
}

func (m *MemoryStore) Load(_ context.Context, sourceID string) (etl.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cp, ok := m.records[sourceID]; ok {
		return cp, nil
	}
	return initial(sourceID), nil
}

func (m *MemoryStore) Commit(_ context.Context, sourceID string, cursor etl.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.records[sourceID]
	if !ok {
		cp = initial(sourceID)
	}
	if err := advance(&cp, cursor, m.now()); err != nil {
		return err
	}
	m.records[sourceID] = cp
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, sourceID string, status etl.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.records[sourceID]
	if !ok {
		cp = initial(sourceID)
	}
	cp.RunStatus = status
	m.records[sourceID] = cp
	return nil
}

func initial(sourceID string) etl.Checkpoint {
	return etl.Checkpoint{
		SourceID:  sourceID,
		Cursor:    etl.Cursor{SourceID: sourceID},
		RunStatus: etl.StatusInit,
	}
}

// advance moves cp to cursor, rejecting non-increasing sequences.
func advance(cp *etl.Checkpoint, cursor etl.Cursor, at time.Time) error {
	if cursor.Sequence <= cp.Cursor.Sequence {
		return fmt.Errorf("%w: source %s has sequence %d, got %d",
			etl.ErrCursorRegression, cp.SourceID, cp.Cursor.Sequence, cursor.Sequence)
	}
	cursor.SourceID = cp.SourceID
	cp.Cursor = cursor
	cp.LastCommittedAt = at.UTC()
	return nil
}
