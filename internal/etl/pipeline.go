package etl

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BartekS5/syncflow/pkg/logger"
)

// HaltMode decides what happens to a batch whose failure cannot be retried.
type HaltMode string

const (
	HaltAbort HaltMode = "abort"
	HaltSkip  HaltMode = "skip-and-continue"
)

const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 1
	DefaultCallTimeout = 30 * time.Second
)

// Options are the run-level settings of a Pipeline.
type Options struct {
	HaltOnError      HaltMode
	StrictValidation bool
	// Concurrency bounds how many source streams run at once.
	Concurrency int
	// QuarantineAlertThreshold raises one alert when the run's quarantine
	// total reaches it. Zero disables the alert.
	QuarantineAlertThreshold int
	FetchTimeout             time.Duration
	LoadTimeout              time.Duration
	// DryRun extracts and transforms but never loads or commits checkpoints.
	DryRun bool
	// JitterSeed seeds per-stream jitter; zero seeds from the clock.
	JitterSeed int64
}

// Stream binds one source to its transform chain and retry settings.
type Stream struct {
	SourceID  string
	Source    Source
	Chain     *Chain
	BatchSize int
	Retry     RetryPolicy
	// RetryableCodes promotes permanent error codes of this source to transient.
	RetryableCodes []string
}

// Pipeline drives extract, transform and load for a set of streams into one target.
type Pipeline struct {
	Target      Target
	Checkpoints CheckpointStore
	Streams     []Stream
	Options     Options

	events EventSink
	alerts AlertSink
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	quarantined atomic.Int64
	alerted     atomic.Bool
}

// NewPipeline creates a pipeline with log sinks, the wall clock and real sleeping.
func NewPipeline(target Target, checkpoints CheckpointStore, opts Options, streams ...Stream) *Pipeline {
	if opts.HaltOnError == "" {
		opts.HaltOnError = HaltAbort
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultCallTimeout
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultCallTimeout
	}
	return &Pipeline{
		Target:      target,
		Checkpoints: checkpoints,
		Streams:     streams,
		Options:     opts,
		events:      LogSink{},
		alerts:      LogSink{},
		now:         time.Now,
		sleep:       sleepContext,
	}
}

func (p *Pipeline) WithEventSink(s EventSink) *Pipeline {
	p.events = s
	return p
}

func (p *Pipeline) WithAlertSink(s AlertSink) *Pipeline {
	p.alerts = s
	return p
}

func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// WithSleeper replaces the backoff sleep, the only place a stream suspends.
func (p *Pipeline) WithSleeper(fn func(ctx context.Context, d time.Duration) error) *Pipeline {
	p.sleep = fn
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) validate() error {
	if p.Target == nil && !p.Options.DryRun {
		return errors.New("pipeline: target is required")
	}
	if p.Checkpoints == nil {
		return errors.New("pipeline: checkpoint store is required")
	}
	if len(p.Streams) == 0 {
		return errors.New("pipeline: no streams configured")
	}
	seen := map[string]bool{}
	for i := range p.Streams {
		s := &p.Streams[i]
		if s.SourceID == "" || s.Source == nil {
			return fmt.Errorf("pipeline: stream %d needs a source id and a source", i)
		}
		if seen[s.SourceID] {
			return fmt.Errorf("pipeline: duplicate source id %q", s.SourceID)
		}
		seen[s.SourceID] = true
		if s.Chain == nil {
			s.Chain = NewChain(s.SourceID, KeyFieldStep{Field: "id"})
		}
		if s.BatchSize <= 0 {
			s.BatchSize = DefaultBatchSize
		}
		// Only a stream with no policy at all gets the defaults.
		if s.Retry == (RetryPolicy{}) {
			s.Retry = DefaultRetryPolicy()
		}
	}
	return nil
}

// Run executes every stream under the concurrency limit and returns the run
// summary. The error is non-nil only when the pipeline is misconfigured;
// stream failures are reported in the summary.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.quarantined.Store(0)
	p.alerted.Store(false)

	run := &RunState{ID: uuid.NewString(), StartedAt: p.now()}
	for _, s := range p.Streams {
		run.streams = append(run.streams, newStreamState(s.SourceID))
	}

	seed := p.Options.JitterSeed
	if seed == 0 {
		seed = p.now().UnixNano()
	}

	logger.Infof("Starting run %s. Streams: %d, Concurrency: %d, DryRun: %v",
		run.ID, len(p.Streams), p.Options.Concurrency, p.Options.DryRun)

	var g errgroup.Group
	g.SetLimit(p.Options.Concurrency)
	for i, s := range p.Streams {
		sr := &streamRun{
			p:      p,
			run:    run,
			stream: s,
			state:  run.streams[i],
			rng:    rand.New(rand.NewSource(seed + int64(i))),
		}
		g.Go(func() error {
			sr.execute(ctx)
			return nil
		})
	}
	_ = g.Wait()

	run.FinishedAt = p.now()
	sum := run.summary()

	kind, level := EventRunCompleted, LevelInfo
	if sum.Status == StatusFailed {
		kind, level = EventRunFailed, LevelError
	}
	p.emit(context.WithoutCancel(ctx), Event{
		RunID:   run.ID,
		Level:   level,
		Kind:    kind,
		Message: fmt.Sprintf("run %s: committed %d, quarantined %d, failed %d", sum.Status, sum.Committed, sum.Quarantined, sum.Failed),
		Context: map[string]any{
			"committed":   sum.Committed,
			"quarantined": sum.Quarantined,
			"failed":      sum.Failed,
			"duration":    run.FinishedAt.Sub(run.StartedAt).String(),
		},
	})
	return sum, nil
}

func (p *Pipeline) emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	p.events.Emit(ctx, ev)
}

func (p *Pipeline) alert(ctx context.Context, a AlertEvent) {
	if a.Timestamp.IsZero() {
		a.Timestamp = p.now()
	}
	if err := p.alerts.Alert(ctx, a); err != nil {
		logger.Errorf("Alert delivery failed for run %s: %v", a.RunID, err)
	}
}

// streamRun is the control loop of one source stream.
type streamRun struct {
	p      *Pipeline
	run    *RunState
	stream Stream
	state  *StreamState
	rng    *rand.Rand
}

func (sr *streamRun) emit(ctx context.Context, level Level, kind EventKind, msg string, fields map[string]any) {
	sr.p.emit(ctx, Event{RunID: sr.run.ID, SourceID: sr.stream.SourceID, Level: level, Kind: kind, Message: msg, Context: fields})
}

func (sr *streamRun) execute(ctx context.Context) {
	p, s := sr.p, sr.stream
	bg := context.WithoutCancel(ctx)

	cp, err := p.Checkpoints.Load(bg, s.SourceID)
	if err != nil {
		sr.halt(bg, SystemError(CodeCheckpoint, fmt.Errorf("load checkpoint: %w", err)))
		return
	}
	cursor := cp.Cursor
	cursor.SourceID = s.SourceID
	sr.state.setCursor(cursor)

	if err := sr.state.fire(bg, transitionStart); err != nil {
		sr.halt(bg, SystemError(CodeUnclassified, err))
		return
	}
	if !p.Options.DryRun {
		if err := p.Checkpoints.SetStatus(bg, s.SourceID, StatusRunning); err != nil {
			sr.halt(bg, SystemError(CodeCheckpoint, fmt.Errorf("record run status: %w", err)))
			return
		}
	}

	for {
		// Cancellation is only honored here, between batches.
		if err := ctx.Err(); err != nil {
			sr.halt(bg, Permanent(CodeCancelled, fmt.Errorf("run cancelled at cursor %q: %w", cursor.Position, err)))
			return
		}

		batch, cerr := sr.fetch(ctx, cursor)
		if cerr != nil {
			sr.halt(bg, cerr)
			return
		}

		if len(batch.Records) == 0 && (!batch.HasMore || batch.Next.Position == cursor.Position) {
			if batch.HasMore {
				logger.Warnf("Source %s returned an empty batch without moving its cursor; treating it as exhausted", s.SourceID)
			}
			sr.complete(bg)
			return
		}

		if batch.HasMore && batch.Next.Position == cursor.Position {
			sr.halt(bg, MalformedResponseError(fmt.Errorf("source returned %d records without moving its cursor from %q", len(batch.Records), cursor.Position)))
			return
		}

		if cerr := sr.processBatch(ctx, batch); cerr != nil {
			sr.halt(bg, cerr)
			return
		}
		cursor = batch.Next
		sr.state.setCursor(cursor)

		if !batch.HasMore {
			sr.complete(bg)
			return
		}
	}
}

// fetch pulls the batch after cursor, retrying transient failures.
func (sr *streamRun) fetch(ctx context.Context, cursor Cursor) (*Batch, *Error) {
	p, s := sr.p, sr.stream
	for attempt := 1; ; attempt++ {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.Options.FetchTimeout)
		batch, err := s.Source.Fetch(fctx, cursor, s.BatchSize)
		cancel()
		if err == nil {
			if batch == nil {
				batch = &Batch{}
			}
			if batch.ID == "" {
				batch.ID = uuid.NewString()
			}
			batch.SourceID = s.SourceID
			batch.Cursor = cursor
			batch.Next.SourceID = s.SourceID
			batch.Next.Sequence = cursor.Sequence + 1
			return batch, nil
		}

		cerr := classifyWith("fetch", err, s.RetryableCodes)
		if ok, final := sr.backoff(ctx, cerr, attempt, StageFetch, ""); !ok {
			return nil, final
		}
	}
}

// backoff consults the retry policy and sleeps. It returns the error to
// escalate when no retry follows.
func (sr *streamRun) backoff(ctx context.Context, cerr *Error, attempt int, stage Stage, batchID string) (bool, *Error) {
	bg := context.WithoutCancel(ctx)
	d := sr.stream.Retry.DecideError(cerr, attempt, sr.rng)
	if !d.Retry {
		if cerr.Kind == KindTransient {
			return false, &Error{Kind: KindPermanent, Op: cerr.Op, Code: CodeRetriesExhausted, Err: fmt.Errorf("%s: %w", d.Reason, cerr)}
		}
		return false, cerr
	}

	sr.state.addAttempt()
	if err := sr.state.fire(bg, transitionBackoff); err != nil {
		return false, SystemError(CodeUnclassified, err)
	}
	sr.emit(bg, LevelWarn, EventRetryScheduled,
		fmt.Sprintf("%s failed (%v); retrying in %s", stage, cerr, d.Delay),
		map[string]any{"stage": string(stage), "attempt": attempt, "delay": d.Delay, "code": cerr.Code, "batchId": batchID})

	if err := sr.p.sleep(ctx, d.Delay); err != nil {
		return false, Permanent(CodeCancelled, fmt.Errorf("backoff interrupted: %w", err))
	}
	if err := sr.state.fire(bg, transitionResume); err != nil {
		return false, SystemError(CodeUnclassified, err)
	}
	return true, nil
}

// processBatch transforms and loads one batch and advances the checkpoint
// when every record is committed or quarantined. A returned error halts the
// stream without advancing the cursor.
func (sr *streamRun) processBatch(ctx context.Context, batch *Batch) *Error {
	p, s := sr.p, sr.stream
	bctx := context.WithoutCancel(ctx)

	sr.emit(bctx, LevelInfo, EventBatchStarted,
		fmt.Sprintf("batch %s started with %d records", batch.ID, len(batch.Records)),
		map[string]any{"batchId": batch.ID, "records": len(batch.Records), "cursor": batch.Cursor.Position, "sequence": batch.Next.Sequence})

	var quarantine []QuarantineEntry
	defer func() { sr.quarantine(bctx, quarantine) }()

	tr, err := s.Chain.TransformBatch(batch, p.Options.StrictValidation)
	quarantine = append(quarantine, tr.Quarantined...)
	if err != nil {
		cerr := Classify(err)
		rejected := map[string]bool{}
		for _, q := range tr.Quarantined {
			rejected[q.Position] = true
		}
		var rest []QuarantineEntry
		for _, raw := range batch.Records {
			if !rejected[raw.Position] {
				rest = append(rest, QuarantineEntry{BatchID: batch.ID, Position: raw.Position, Stage: StageTransform, Payload: raw.Payload})
			}
		}
		if final := sr.settle(&quarantine, batch, rest, cerr); final != nil {
			sr.state.addFailed(len(rest))
			return final
		}
		return sr.commit(bctx, batch, 0)
	}

	before := len(quarantine)
	committed, cerr := sr.load(ctx, batch, tr, &quarantine)
	if cerr != nil {
		sr.state.batchDone(committed)
		sr.state.addFailed(len(tr.Records) - committed - (len(quarantine) - before))
		return cerr
	}
	return sr.commit(bctx, batch, committed)
}

// load delivers the standardized records, retrying only the transient-failed subset.
func (sr *streamRun) load(ctx context.Context, batch *Batch, tr TransformResult, quarantine *[]QuarantineEntry) (int, *Error) {
	p, s := sr.p, sr.stream
	bctx := context.WithoutCancel(ctx)

	if len(tr.Records) == 0 {
		return 0, nil
	}
	if p.Options.DryRun {
		logger.Infof("[DRY RUN] Would load %d records from %s batch %s", len(tr.Records), s.SourceID, batch.ID)
		return len(tr.Records), nil
	}

	entry := func(rec StandardizedRecord, pos string) QuarantineEntry {
		return QuarantineEntry{BatchID: batch.ID, RecordKey: rec.Key, Position: pos, Stage: StageLoad, Payload: rec.Payload}
	}

	// positions[i] is the source position of pending[i].
	pending, positions := tr.Records, tr.Positions
	committed := 0
	for attempt := 1; ; attempt++ {
		lctx, cancel := context.WithTimeout(bctx, p.Options.LoadTimeout)
		res, err := p.Target.Load(lctx, &LoadBatch{ID: batch.ID, SourceID: s.SourceID, Records: pending})
		cancel()

		var batchErr *Error
		if err != nil {
			batchErr = classifyWith("load", err, s.RetryableCodes)
		}
		acked := make(map[string]bool, len(res.Committed))
		for _, k := range res.Committed {
			acked[k] = true
		}

		var retry []StandardizedRecord
		var retryPos []string
		var aborted []QuarantineEntry
		var lastTransient *Error
		for i, rec := range pending {
			if ferr, failed := res.Failed[rec.Key]; failed {
				c := classifyWith("load", ferr, s.RetryableCodes)
				switch {
				case c.Kind == KindTransient:
					retry, retryPos, lastTransient = append(retry, rec), append(retryPos, positions[i]), c
				case c.halts():
					return committed, c
				default:
					q := entry(rec, positions[i])
					q.Code, q.Reason = c.Code, c.Error()
					*quarantine = append(*quarantine, q)
				}
				continue
			}
			if batchErr == nil || acked[rec.Key] {
				committed++
				continue
			}
			if batchErr.Kind == KindTransient {
				retry, retryPos, lastTransient = append(retry, rec), append(retryPos, positions[i]), batchErr
			} else {
				aborted = append(aborted, entry(rec, positions[i]))
			}
		}

		if len(aborted) > 0 {
			if batchErr.halts() {
				return committed, batchErr
			}
			if final := sr.settle(quarantine, batch, aborted, batchErr); final != nil {
				return committed, final
			}
		}

		if len(retry) == 0 {
			return committed, nil
		}
		ok, exhausted := sr.backoff(ctx, lastTransient, attempt, StageLoad, batch.ID)
		if !ok {
			entries := make([]QuarantineEntry, 0, len(retry))
			for i, rec := range retry {
				entries = append(entries, entry(rec, retryPos[i]))
			}
			return committed, sr.settle(quarantine, batch, entries, exhausted)
		}
		logger.Debugf("Retrying %d of %d records of batch %s", len(retry), len(tr.Records), batch.ID)
		pending, positions = retry, retryPos
	}
}

// settle resolves records whose failure will not be retried. In
// skip-and-continue mode they are quarantined and the batch may still
// commit; otherwise the error is returned to halt the stream.
func (sr *streamRun) settle(quarantine *[]QuarantineEntry, batch *Batch, failing []QuarantineEntry, cerr *Error) *Error {
	if sr.p.Options.HaltOnError != HaltSkip || cerr.halts() {
		return cerr
	}
	for _, q := range failing {
		q.Code, q.Reason = cerr.Code, cerr.Error()
		*quarantine = append(*quarantine, q)
	}
	logger.Warnf("Skipping %d records of batch %s after %v", len(failing), batch.ID, cerr)
	return nil
}

// commit advances the checkpoint after every record of batch was resolved.
func (sr *streamRun) commit(ctx context.Context, batch *Batch, committed int) *Error {
	p, s := sr.p, sr.stream
	if !p.Options.DryRun {
		if err := p.Checkpoints.Commit(ctx, s.SourceID, batch.Next); err != nil {
			sr.state.batchDone(committed)
			return SystemError(CodeCheckpoint, fmt.Errorf("commit cursor %d: %w", batch.Next.Sequence, err))
		}
	}
	sr.state.batchDone(committed)
	sr.emit(ctx, LevelInfo, EventBatchCommitted,
		fmt.Sprintf("batch %s committed: %d loaded", batch.ID, committed),
		map[string]any{"batchId": batch.ID, "committed": committed, "cursor": batch.Next.Position, "sequence": batch.Next.Sequence})
	return nil
}

// quarantine records entries in the run state and raises the threshold alert.
func (sr *streamRun) quarantine(ctx context.Context, entries []QuarantineEntry) {
	if len(entries) == 0 {
		return
	}
	p := sr.p
	now := p.now()
	for i := range entries {
		entries[i].SourceID = sr.stream.SourceID
		if entries[i].At.IsZero() {
			entries[i].At = now
		}
		if entries[i].Reason == "" {
			entries[i].Reason = entries[i].Code
		}
	}
	sr.state.addQuarantine(entries...)
	for _, q := range entries {
		sr.emit(ctx, LevelWarn, EventRecordQuarantined,
			fmt.Sprintf("record %q quarantined at %s: %s", q.Position, q.Stage, q.Reason),
			map[string]any{"batchId": q.BatchID, "position": q.Position, "recordKey": q.RecordKey, "stage": string(q.Stage), "code": q.Code})
	}

	total := p.quarantined.Add(int64(len(entries)))
	limit := int64(p.Options.QuarantineAlertThreshold)
	if limit > 0 && total >= limit && p.alerted.CompareAndSwap(false, true) {
		p.alert(ctx, AlertEvent{
			Level:    LevelWarn,
			Message:  fmt.Sprintf("quarantine volume reached %d records (threshold %d)", total, limit),
			RunID:    sr.run.ID,
			SourceID: sr.stream.SourceID,
			Context:  map[string]any{"quarantined": total, "threshold": limit},
		})
	}
}

func (sr *streamRun) complete(ctx context.Context) {
	p, s := sr.p, sr.stream
	if err := sr.state.fire(ctx, transitionComplete); err != nil {
		sr.halt(ctx, SystemError(CodeUnclassified, err))
		return
	}
	if !p.Options.DryRun {
		if err := p.Checkpoints.SetStatus(ctx, s.SourceID, StatusCompleted); err != nil {
			logger.Errorf("Failed to record completion of %s: %v", s.SourceID, err)
		}
	}
	sum := sr.state.summary()
	sr.emit(ctx, LevelInfo, EventRunCompleted,
		fmt.Sprintf("source %s completed: %d batches, %d committed, %d quarantined", s.SourceID, sum.Batches, sum.Committed, sum.Quarantined),
		map[string]any{"batches": sum.Batches, "committed": sum.Committed, "quarantined": sum.Quarantined, "cursor": sum.Cursor.Position})
}

// halt moves the stream to FAILED and raises an alert.
func (sr *streamRun) halt(ctx context.Context, cerr *Error) {
	p, s := sr.p, sr.stream
	sr.state.fail(cerr)
	if err := sr.state.fire(ctx, transitionFail); err != nil {
		logger.Errorf("Stream %s: %v", s.SourceID, err)
	}
	if !p.Options.DryRun {
		if err := p.Checkpoints.SetStatus(ctx, s.SourceID, StatusFailed); err != nil {
			logger.Errorf("Failed to record failure of %s: %v", s.SourceID, err)
		}
	}
	sum := sr.state.summary()
	fields := map[string]any{"code": cerr.Code, "kind": cerr.Kind.String(), "cursor": sum.Cursor.Position, "committed": sum.Committed}
	sr.emit(ctx, LevelError, EventRunFailed, fmt.Sprintf("source %s failed: %v", s.SourceID, cerr), fields)
	p.alert(ctx, AlertEvent{
		Level:    LevelError,
		Message:  fmt.Sprintf("source %s failed: %v", s.SourceID, cerr),
		RunID:    sr.run.ID,
		SourceID: s.SourceID,
		Context:  fields,
	})
}
