package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/BartekS5/syncflow/internal/alert"
	"github.com/BartekS5/syncflow/internal/checkpoint"
	"github.com/BartekS5/syncflow/internal/config"
	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/internal/source"
	"github.com/BartekS5/syncflow/internal/target"
	"github.com/BartekS5/syncflow/pkg/logger"
)

// newRegistry returns a registry with every built-in adapter.
func newRegistry() *etl.Registry {
	r := etl.NewRegistry()
	source.Register(r)
	target.Register(r)
	checkpoint.Register(r)
	return r
}

// closers releases adapter connections in reverse order of creation.
type closers []io.Closer

func (c *closers) add(v any) {
	if cl, ok := v.(io.Closer); ok {
		*c = append(*c, cl)
	}
}

func (c closers) Close() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			logger.Warnf("Failed to close %T: %v", c[i], err)
		}
	}
}

func loadConfig(path string, sources []string) (*config.Config, error) {
	cfg, err := config.Load(path, config.EnvResolver{})
	if err != nil {
		return nil, err
	}
	if err := cfg.Select(sources); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newChain builds a source's transform chain: the mapping (or a plain key
// field), then required fields, then exclusions.
func newChain(s config.SourceConfig) *etl.Chain {
	var steps []etl.Step
	if s.Mapping != nil {
		steps = append(steps, etl.NewMappingStep(s.Mapping))
	} else {
		steps = append(steps, etl.KeyFieldStep{Field: s.KeyField})
	}
	if len(s.RequiredFields) > 0 {
		steps = append(steps, etl.NewValidator(s.RequiredFields...))
	}
	if len(s.ExcludeFields) > 0 {
		steps = append(steps, etl.ExcludeFieldsStep{Fields: s.ExcludeFields})
	}
	return etl.NewChain(s.Name, steps...)
}

func buildStreams(ctx context.Context, reg *etl.Registry, cfg *config.Config, open *closers) ([]etl.Stream, error) {
	streams := make([]etl.Stream, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		src, err := reg.NewSource(ctx, s.Adapter())
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", s.Name, err)
		}
		open.add(src)
		streams = append(streams, etl.Stream{
			SourceID:       s.Name,
			Source:         src,
			Chain:          newChain(s),
			BatchSize:      s.BatchSize,
			Retry:          cfg.RetryFor(s),
			RetryableCodes: s.RetryableCodes,
		})
	}
	return streams, nil
}

// buildSinks always logs; NATS is added when configured.
func buildSinks(cfg *config.Config, open *closers) (etl.MultiSink, error) {
	sinks := etl.MultiSink{
		Events: []etl.EventSink{etl.LogSink{}},
		Alerts: []etl.AlertSink{etl.LogSink{}},
	}
	if n := cfg.Alerts.NATS; n != nil {
		ns, err := alert.NewNATSSink(n.URL, n.Subject)
		if err != nil {
			return sinks, err
		}
		ns.EmitEvents = n.Events
		open.add(ns)
		sinks.Events = append(sinks.Events, ns)
		sinks.Alerts = append(sinks.Alerts, ns)
	}
	return sinks, nil
}

func runPipeline(ctx context.Context, opts *RunOptions, out io.Writer) (*etl.Summary, error) {
	cfg, err := loadConfig(opts.ConfigFile, opts.Sources)
	if err != nil {
		return nil, err
	}

	reg := newRegistry()
	var open closers
	defer open.Close()

	store, err := reg.NewCheckpointStore(ctx, cfg.Checkpoint.Adapter("checkpoint"))
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}
	open.add(store)

	var tgt etl.Target
	if !opts.DryRun {
		tgt, err = reg.NewTarget(ctx, cfg.Target.Adapter("target"))
		if err != nil {
			return nil, fmt.Errorf("target: %w", err)
		}
		open.add(tgt)
	}

	streams, err := buildStreams(ctx, reg, cfg, &open)
	if err != nil {
		return nil, err
	}
	sinks, err := buildSinks(cfg, &open)
	if err != nil {
		return nil, err
	}

	runOpts := cfg.Options()
	runOpts.DryRun = opts.DryRun

	pipeline := etl.NewPipeline(tgt, store, runOpts, streams...).
		WithEventSink(sinks).
		WithAlertSink(sinks)

	sum, err := pipeline.Run(ctx)
	if err != nil {
		return nil, err
	}
	if err := printSummary(out, sum, opts.JSON); err != nil {
		return nil, err
	}
	return sum, nil
}

func printSummary(out io.Writer, sum *etl.Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	fmt.Fprintf(out, "Run %s %s in %s\n", sum.RunID, sum.Status, sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSTATUS\tBATCHES\tCOMMITTED\tQUARANTINED\tFAILED\tSEQUENCE\tERROR")
	for _, s := range sum.Streams {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			s.SourceID, s.Status, s.Batches, s.Committed, s.Quarantined, s.Failed, s.Cursor.Sequence, s.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, s := range sum.Streams {
		for _, q := range s.Quarantine {
			fmt.Fprintf(out, "quarantined %s record at position %s (%s stage, %s): %s\n", q.SourceID, q.Position, q.Stage, q.Code, q.Reason)
		}
	}
	return nil
}

func listCheckpoints(ctx context.Context, opts *CheckpointsOptions, out io.Writer) error {
	cfg, err := loadConfig(opts.ConfigFile, opts.Sources)
	if err != nil {
		return err
	}

	store, err := newRegistry().NewCheckpointStore(ctx, cfg.Checkpoint.Adapter("checkpoint"))
	if err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}
	var open closers
	open.add(store)
	defer open.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSEQUENCE\tPOSITION\tSTATUS\tLAST COMMITTED")
	for _, s := range cfg.Sources {
		cp, err := store.Load(ctx, s.Name)
		if err != nil {
			return fmt.Errorf("load checkpoint for %s: %w", s.Name, err)
		}
		committed := "-"
		if !cp.LastCommittedAt.IsZero() {
			committed = cp.LastCommittedAt.UTC().Format(time.RFC3339)
		}
		status := string(cp.RunStatus)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.Name, cp.Cursor.Sequence, cp.Cursor.Position, status, committed)
	}
	return tw.Flush()
}

func validateConfig(path string, out io.Writer) error {
	cfg, err := config.Load(path, config.EnvResolver{})
	if err != nil {
		return err
	}
	reg := newRegistry()
	var errs []error
	if !reg.HasTarget(cfg.Target.Type) {
		errs = append(errs, fmt.Errorf("target: unknown type %q", cfg.Target.Type))
	}
	if !reg.HasCheckpointStore(cfg.Checkpoint.Type) {
		errs = append(errs, fmt.Errorf("checkpoint: unknown type %q", cfg.Checkpoint.Type))
	}
	for _, s := range cfg.Sources {
		if !reg.HasSource(s.Type) {
			errs = append(errs, fmt.Errorf("source %s: unknown type %q", s.Name, s.Type))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	fmt.Fprintf(out, "Config %s is valid: %d source(s), target %s, checkpoints %s\n",
		path, len(cfg.Sources), cfg.Target.Type, cfg.Checkpoint.Type)
	return nil
}
