// Package target implements etl.Target adapters. Every target applies
// records as upserts keyed by the record key so re-delivered batches leave
// the destination unchanged.
package target

import (
	"context"
	"sync"

	"github.com/BartekS5/syncflow/internal/etl"
)

// MemoryTarget upserts records into an in-process map.
type MemoryTarget struct {
	mu      sync.Mutex
	records map[string]etl.StandardizedRecord
	applied []string
}

func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{records: map[string]etl.StandardizedRecord{}}
}

func (m *MemoryTarget) Load(_ context.Context, batch *etl.LoadBatch) (etl.LoadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := etl.LoadResult{Committed: make([]string, 0, len(batch.Records))}
	for _, rec := range batch.Records {
		m.records[rec.Key] = rec.With()
		m.applied = append(m.applied, rec.Key)
		res.Committed = append(res.Committed, rec.Key)
	}
	return res, nil
}

// Get returns the stored record for key.
func (m *MemoryTarget) Get(key string) (etl.StandardizedRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	return rec, ok
}

func (m *MemoryTarget) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Applied lists every key in the order it was written, duplicates included.
func (m *MemoryTarget) Applied() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied...)
}
