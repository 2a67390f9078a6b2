package etl

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Params are resolved adapter connection parameters.
type Params map[string]string

// String returns the value for key or def when unset.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Required returns the value for key or an error naming it.
func (p Params) Required(key string) (string, error) {
	v := strings.TrimSpace(p[key])
	if v == "" {
		return "", fmt.Errorf("parameter %q is required", key)
	}
	return v, nil
}

func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", key, err)
	}
	return n, nil
}

func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", key, err)
	}
	return f, nil
}

func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", key, err)
	}
	return d, nil
}

func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parameter %q: %w", key, err)
	}
	return b, nil
}

// List splits a comma-separated value, dropping empty items.
func (p Params) List(key string) []string {
	var out []string
	for _, item := range strings.Split(p[key], ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// AdapterConfig is the explicit configuration handed to adapter constructors.
type AdapterConfig struct {
	Name   string
	Type   string
	Params Params
}

type SourceFactory func(ctx context.Context, cfg AdapterConfig) (Source, error)
type TargetFactory func(ctx context.Context, cfg AdapterConfig) (Target, error)
type CheckpointFactory func(ctx context.Context, cfg AdapterConfig) (CheckpointStore, error)

// Registry maps configured type names to adapter constructors.
type Registry struct {
	sources     map[string]SourceFactory
	targets     map[string]TargetFactory
	checkpoints map[string]CheckpointFactory
}

func NewRegistry() *Registry {
	return &Registry{
		sources:     map[string]SourceFactory{},
		targets:     map[string]TargetFactory{},
		checkpoints: map[string]CheckpointFactory{},
	}
}

func (r *Registry) RegisterSource(typeName string, f SourceFactory) {
	r.sources[strings.ToLower(typeName)] = f
}

func (r *Registry) RegisterTarget(typeName string, f TargetFactory) {
	r.targets[strings.ToLower(typeName)] = f
}

func (r *Registry) RegisterCheckpointStore(typeName string, f CheckpointFactory) {
	r.checkpoints[strings.ToLower(typeName)] = f
}

func (r *Registry) NewSource(ctx context.Context, cfg AdapterConfig) (Source, error) {
	f, ok := r.sources[strings.ToLower(cfg.Type)]
	if !ok {
		return nil, fmt.Errorf("source %q: %w %q (known: %s)", cfg.Name, ErrUnknownAdapter, cfg.Type, keys(r.sources))
	}
	return f(ctx, cfg)
}

func (r *Registry) NewTarget(ctx context.Context, cfg AdapterConfig) (Target, error) {
	f, ok := r.targets[strings.ToLower(cfg.Type)]
	if !ok {
		return nil, fmt.Errorf("target: %w %q (known: %s)", ErrUnknownAdapter, cfg.Type, keys(r.targets))
	}
	return f(ctx, cfg)
}

func (r *Registry) NewCheckpointStore(ctx context.Context, cfg AdapterConfig) (CheckpointStore, error) {
	f, ok := r.checkpoints[strings.ToLower(cfg.Type)]
	if !ok {
		return nil, fmt.Errorf("checkpoint store: %w %q (known: %s)", ErrUnknownAdapter, cfg.Type, keys(r.checkpoints))
	}
	return f(ctx, cfg)
}

// HasSource, HasTarget and HasCheckpointStore report whether a type is registered.
func (r *Registry) HasSource(typeName string) bool {
	_, ok := r.sources[strings.ToLower(typeName)]
	return ok
}

func (r *Registry) HasTarget(typeName string) bool {
	_, ok := r.targets[strings.ToLower(typeName)]
	return ok
}

func (r *Registry) HasCheckpointStore(typeName string) bool {
	_, ok := r.checkpoints[strings.ToLower(typeName)]
	return ok
}

func keys[V any](m map[string]V) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
