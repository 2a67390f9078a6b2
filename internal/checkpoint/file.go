package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BartekS5/syncflow/internal/etl"
)

const DefaultDir = ".checkpoints"

// FileStore persists one JSON document per source in Dir. Writes go to a
// temporary file that is synced and renamed over the old one, so readers see
// either the previous or the new checkpoint, never a partial write.
type FileStore struct {
	Dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}
	return &FileStore{Dir: dir, locks: map[string]*sync.Mutex{}, now: time.Now}, nil
}

func (f *FileStore) lock(sourceID string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[sourceID]
	if !ok {
		l = &sync.Mutex{}
		f.locks[sourceID] = l
	}
	return l
}

// path escapes sourceID so that distinct ids never share a file.
func (f *FileStore) path(sourceID string) string {
	return filepath.Join(f.Dir, url.PathEscape(sourceID)+".json")
}

func (f *FileStore) Load(_ context.Context, sourceID string) (etl.Checkpoint, error) {
	return f.read(sourceID)
}

func (f *FileStore) read(sourceID string) (etl.Checkpoint, error) {
	data, err := os.ReadFile(f.path(sourceID))
	if errors.Is(err, os.ErrNotExist) {
		return initial(sourceID), nil
	}
	if err != nil {
		return etl.Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", sourceID, err)
	}
	var cp etl.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return etl.Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", sourceID, err)
	}
	if cp.SourceID != sourceID {
		return etl.Checkpoint{}, fmt.Errorf("checkpoint file %s belongs to source %q, not %q", f.path(sourceID), cp.SourceID, sourceID)
	}
	return cp, nil
}

func (f *FileStore) Commit(_ context.Context, sourceID string, cursor etl.Cursor) error {
	l := f.lock(sourceID)
	l.Lock()
	defer l.Unlock()

	cp, err := f.read(sourceID)
	if err != nil {
		return err
	}
	if err := advance(&cp, cursor, f.now()); err != nil {
		return err
	}
	return f.write(cp)
}

func (f *FileStore) SetStatus(_ context.Context, sourceID string, status etl.RunStatus) error {
	l := f.lock(sourceID)
	l.Lock()
	defer l.Unlock()

	cp, err := f.read(sourceID)
	if err != nil {
		return err
	}
	cp.RunStatus = status
	return f.write(cp)
}

func (f *FileStore) write(cp etl.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.SourceID, err)
	}

	tmp, err := os.CreateTemp(f.Dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint %s: %w", cp.SourceID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint %s: %w", cp.SourceID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint %s: %w", cp.SourceID, err)
	}
	if err := os.Rename(tmp.Name(), f.path(cp.SourceID)); err != nil {
		return fmt.Errorf("replace checkpoint %s: %w", cp.SourceID, err)
	}
	return nil
}
