package etl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// RunStatus is a phase of the per-stream state machine:
// INIT -> RUNNING -> {BACKOFF <-> RUNNING} -> {COMPLETED | FAILED}.
type RunStatus string

const (
	StatusInit      RunStatus = "INIT"
	StatusRunning   RunStatus = "RUNNING"
	StatusBackoff   RunStatus = "BACKOFF"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
)

// Events of the stream state machine.
const (
	transitionStart    = "start"
	transitionBackoff  = "backoff"
	transitionResume   = "resume"
	transitionComplete = "complete"
	transitionFail     = "fail"
)

var streamTransitions = fsm.Events{
	{Name: transitionStart, Src: []string{string(StatusInit)}, Dst: string(StatusRunning)},
	{Name: transitionBackoff, Src: []string{string(StatusRunning)}, Dst: string(StatusBackoff)},
	{Name: transitionResume, Src: []string{string(StatusBackoff)}, Dst: string(StatusRunning)},
	{Name: transitionComplete, Src: []string{string(StatusRunning)}, Dst: string(StatusCompleted)},
	{Name: transitionFail, Src: []string{string(StatusInit), string(StatusRunning), string(StatusBackoff)}, Dst: string(StatusFailed)},
}

func newStreamMachine(initial RunStatus) *fsm.FSM {
	return fsm.NewFSM(string(initial), streamTransitions, nil)
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to RunStatus) bool {
	m := newStreamMachine(from)
	for _, ev := range streamTransitions {
		if ev.Dst == string(to) && m.Can(ev.Name) {
			return true
		}
	}
	return false
}

// Terminal reports whether s is COMPLETED or FAILED.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage names where a record was quarantined.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
)

// QuarantineEntry is a record excluded from loading, kept for inspection.
type QuarantineEntry struct {
	SourceID  string         `json:"sourceId"`
	BatchID   string         `json:"batchId"`
	RecordKey string         `json:"recordKey,omitempty"`
	Position  string         `json:"position"`
	Stage     Stage          `json:"stage"`
	Code      string         `json:"code"`
	Reason    string         `json:"reason"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// StreamState is the mutable progress of one source stream within a run.
type StreamState struct {
	mu         sync.Mutex
	SourceID   string
	machine    *fsm.FSM
	cursor     Cursor
	attempts   int
	batches    int
	committed  int
	failed     int
	quarantine []QuarantineEntry
	err        error
}

func newStreamState(sourceID string) *StreamState {
	return &StreamState{SourceID: sourceID, machine: newStreamMachine(StatusInit)}
}

// fire applies a state machine event, refusing moves the current status
// does not allow.
func (s *StreamState) fire(ctx context.Context, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.machine.Current()
	if err := s.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		return fmt.Errorf("stream %s: %s from %s: %w", s.SourceID, event, from, err)
	}
	return nil
}

func (s *StreamState) Status() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RunStatus(s.machine.Current())
}

func (s *StreamState) setCursor(c Cursor) {
	s.mu.Lock()
	s.cursor = c
	s.mu.Unlock()
}

func (s *StreamState) addAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *StreamState) batchDone(committed int) {
	s.mu.Lock()
	s.batches++
	s.committed += committed
	s.mu.Unlock()
}

func (s *StreamState) addFailed(n int) {
	s.mu.Lock()
	s.failed += n
	s.mu.Unlock()
}

func (s *StreamState) addQuarantine(entries ...QuarantineEntry) {
	s.mu.Lock()
	s.quarantine = append(s.quarantine, entries...)
	s.mu.Unlock()
}

func (s *StreamState) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Quarantine returns a copy of the stream's quarantine list.
func (s *StreamState) Quarantine() []QuarantineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QuarantineEntry(nil), s.quarantine...)
}

func (s *StreamState) summary() StreamSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := StreamSummary{
		SourceID:    s.SourceID,
		Status:      RunStatus(s.machine.Current()),
		Cursor:      s.cursor,
		Batches:     s.batches,
		Attempts:    s.attempts,
		Committed:   s.committed,
		Quarantined: len(s.quarantine),
		Failed:      s.failed,
		Quarantine:  append([]QuarantineEntry(nil), s.quarantine...),
	}
	if s.err != nil {
		sum.Error = s.err.Error()
	}
	return sum
}

// RunState is one pipeline execution.
type RunState struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	streams    []*StreamState
}

// Stream returns the state of sourceID, or nil.
func (r *RunState) Stream(sourceID string) *StreamState {
	for _, s := range r.streams {
		if s.SourceID == sourceID {
			return s
		}
	}
	return nil
}

// StreamSummary is the final report of one stream.
type StreamSummary struct {
	SourceID    string            `json:"sourceId"`
	Status      RunStatus         `json:"status"`
	Cursor      Cursor            `json:"cursor"`
	Batches     int               `json:"batches"`
	Attempts    int               `json:"attempts"`
	Committed   int               `json:"committed"`
	Quarantined int               `json:"quarantined"`
	Failed      int               `json:"failed"`
	Error       string            `json:"error,omitempty"`
	Quarantine  []QuarantineEntry `json:"-"`
}

// Summary is the user-visible outcome of a run.
type Summary struct {
	RunID       string          `json:"runId"`
	Status      RunStatus       `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  time.Time       `json:"finishedAt"`
	Committed   int             `json:"committed"`
	Quarantined int             `json:"quarantined"`
	Failed      int             `json:"failed"`
	Streams     []StreamSummary `json:"streams"`
}

// Exit codes of a finished run.
const (
	ExitOK          = 0
	ExitQuarantined = 1
	ExitFailed      = 2
)

// ExitCode is 2 when any stream failed, 1 when records were quarantined, else 0.
func (s *Summary) ExitCode() int {
	switch {
	case s.Status == StatusFailed:
		return ExitFailed
	case s.Quarantined > 0:
		return ExitQuarantined
	default:
		return ExitOK
	}
}

func (r *RunState) summary() *Summary {
	sum := &Summary{
		RunID:      r.ID,
		Status:     StatusCompleted,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	for _, st := range r.streams {
		ss := st.summary()
		if ss.Status != StatusCompleted {
			sum.Status = StatusFailed
		}
		sum.Committed += ss.Committed
		sum.Quarantined += ss.Quarantined
		sum.Failed += ss.Failed
		sum.Streams = append(sum.Streams, ss)
	}
	return sum
}
