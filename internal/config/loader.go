package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Load reads the YAML config at path, resolves secret references, loads
// mapping files, applies defaults and validates the result.
func Load(path string, resolver SecretResolver) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	cfg, err := parse(data, path, resolver)
	if err != nil {
		return nil, fmt.Errorf("config file '%s': %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read. Relative mapping files resolve
// against the working directory.
func Parse(data []byte, resolver SecretResolver) (*Config, error) {
	return parse(data, "", resolver)
}

func parse(data []byte, path string, resolver SecretResolver) (*Config, error) {
	if resolver == nil {
		resolver = EnvResolver{}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("config is empty")
		}
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.path = path

	if err := cfg.resolveSecrets(resolver); err != nil {
		return nil, err
	}
	if err := cfg.loadMappings(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := validate.Struct(&cfg); err != nil {
		return nil, validationError(err)
	}
	return &cfg, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Select keeps only the named sources, in config order. An empty list keeps
// all of them.
func (c *Config) Select(names []string) error {
	if len(names) == 0 {
		return nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	kept := c.Sources[:0:0]
	for _, s := range c.Sources {
		if want[s.Name] {
			kept = append(kept, s)
			delete(want, s.Name)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for _, n := range names {
			if want[n] {
				missing = append(missing, n)
			}
		}
		return fmt.Errorf("unknown source(s): %s", strings.Join(missing, ", "))
	}
	c.Sources = kept
	return nil
}
