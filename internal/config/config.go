// Package config loads the pipeline configuration file: run options, the
// target, the checkpoint store, alert sinks and the list of sources.
package config

import (
	"time"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/models"
)

// Config is the root of a pipeline configuration file.
type Config struct {
	Run        RunConfig       `yaml:"run"`
	Retry      etl.RetryOverride `yaml:"retry"`
	Checkpoint AdapterSpec     `yaml:"checkpoint"`
	Alerts     AlertsConfig    `yaml:"alerts"`
	Target     AdapterSpec     `yaml:"target"`
	Sources    []SourceConfig  `yaml:"sources" validate:"required,min=1,unique=Name,dive"`

	// path is the file the config was read from; relative mapping files
	// resolve against its directory.
	path string
	// retry is the run-level policy: the defaults with Retry applied.
	retry etl.RetryPolicy
}

type RunConfig struct {
	HaltOnError              string        `yaml:"haltOnError" validate:"omitempty,oneof=abort skip-and-continue"`
	StrictValidation         bool          `yaml:"strictValidation"`
	Concurrency              int           `yaml:"concurrency" validate:"gte=0,lte=64"`
	QuarantineAlertThreshold int           `yaml:"quarantineAlertThreshold" validate:"gte=0"`
	FetchTimeout             time.Duration `yaml:"fetchTimeout" validate:"gte=0"`
	LoadTimeout              time.Duration `yaml:"loadTimeout" validate:"gte=0"`
	JitterSeed               int64         `yaml:"jitterSeed"`
}

// AdapterSpec names an adapter type and its connection parameters. Values of
// the form "env:NAME" are secret references.
type AdapterSpec struct {
	Type   string            `yaml:"type" validate:"required"`
	Params map[string]string `yaml:"params"`
}

type AlertsConfig struct {
	NATS *NATSConfig `yaml:"nats"`
}

type NATSConfig struct {
	URL     string `yaml:"url" validate:"required"`
	Subject string `yaml:"subject"`
	// Events also publishes every run event, not only alerts.
	Events bool `yaml:"events"`
}

type SourceConfig struct {
	Name      string            `yaml:"name" validate:"required"`
	Type      string            `yaml:"type" validate:"required"`
	BatchSize int               `yaml:"batchSize" validate:"gte=0"`
	Params    map[string]string `yaml:"params"`
	// Retry overrides the run-level policy field by field.
	Retry          *etl.RetryOverride `yaml:"retry"`
	RetryableCodes []string         `yaml:"retryableCodes"`
	// KeyField names the identity field when no mapping is given.
	KeyField       string                `yaml:"keyField"`
	Mapping        *models.MappingSchema `yaml:"mapping"`
	MappingFile    string                `yaml:"mappingFile"`
	RequiredFields []string              `yaml:"requiredFields"`
	ExcludeFields  []string              `yaml:"excludeFields"`
}

// Defaults applied by Load.
const (
	DefaultCheckpointType = "file"
	DefaultKeyField       = "id"
)

func (c *Config) applyDefaults() {
	if c.Run.HaltOnError == "" {
		c.Run.HaltOnError = string(etl.HaltAbort)
	}
	if c.Run.Concurrency == 0 {
		c.Run.Concurrency = etl.DefaultConcurrency
	}
	if c.Run.FetchTimeout == 0 {
		c.Run.FetchTimeout = etl.DefaultCallTimeout
	}
	if c.Run.LoadTimeout == 0 {
		c.Run.LoadTimeout = etl.DefaultCallTimeout
	}
	c.retry = etl.DefaultRetryPolicy().Apply(c.Retry)
	if c.Checkpoint.Type == "" {
		c.Checkpoint.Type = DefaultCheckpointType
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.BatchSize == 0 {
			s.BatchSize = etl.DefaultBatchSize
		}
		if s.KeyField == "" {
			s.KeyField = DefaultKeyField
			if s.Type == "mongo" {
				s.KeyField = "_id"
			}
		}
	}
}

// Options converts the run section into pipeline options.
func (c *Config) Options() etl.Options {
	return etl.Options{
		HaltOnError:              etl.HaltMode(c.Run.HaltOnError),
		StrictValidation:         c.Run.StrictValidation,
		Concurrency:              c.Run.Concurrency,
		QuarantineAlertThreshold: c.Run.QuarantineAlertThreshold,
		FetchTimeout:             c.Run.FetchTimeout,
		LoadTimeout:              c.Run.LoadTimeout,
		JitterSeed:               c.Run.JitterSeed,
	}
}

// RetryPolicy is the run-level retry policy.
func (c *Config) RetryPolicy() etl.RetryPolicy {
	return c.retry
}

// RetryFor returns the run policy with the source's overrides applied.
func (c *Config) RetryFor(s SourceConfig) etl.RetryPolicy {
	if s.Retry == nil {
		return c.retry
	}
	return c.retry.Apply(*s.Retry)
}

func (s SourceConfig) Adapter() etl.AdapterConfig {
	return etl.AdapterConfig{Name: s.Name, Type: s.Type, Params: etl.Params(s.Params)}
}

func (a AdapterSpec) Adapter(name string) etl.AdapterConfig {
	return etl.AdapterConfig{Name: name, Type: a.Type, Params: etl.Params(a.Params)}
}
