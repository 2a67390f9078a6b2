package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSecretNotFound is returned when a secret reference names nothing.
var ErrSecretNotFound = errors.New("secret not found")

const secretPrefix = "env:"

// SecretResolver turns a secret reference into its value.
type SecretResolver interface {
	Resolve(name string) (string, error)
}

// EnvResolver resolves secrets from the process environment, which main
// populates from .env when present.
type EnvResolver struct{}

func (EnvResolver) Resolve(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

// MapResolver resolves secrets from a fixed map.
type MapResolver map[string]string

func (m MapResolver) Resolve(name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

func resolveValue(r SecretResolver, v string) (string, error) {
	name, ok := strings.CutPrefix(v, secretPrefix)
	if !ok {
		return v, nil
	}
	return r.Resolve(strings.TrimSpace(name))
}

func resolveParams(r SecretResolver, where string, params map[string]string) error {
	for k, v := range params {
		resolved, err := resolveValue(r, v)
		if err != nil {
			return fmt.Errorf("%s.params.%s: %w", where, k, err)
		}
		params[k] = resolved
	}
	return nil
}

// resolveSecrets replaces every secret reference in adapter params and the
// alert sink URL.
func (c *Config) resolveSecrets(r SecretResolver) error {
	if err := resolveParams(r, "target", c.Target.Params); err != nil {
		return err
	}
	if err := resolveParams(r, "checkpoint", c.Checkpoint.Params); err != nil {
		return err
	}
	for _, s := range c.Sources {
		if err := resolveParams(r, "sources."+s.Name, s.Params); err != nil {
			return err
		}
	}
	if c.Alerts.NATS != nil {
		url, err := resolveValue(r, c.Alerts.NATS.URL)
		if err != nil {
			return fmt.Errorf("alerts.nats.url: %w", err)
		}
		c.Alerts.NATS.URL = url
	}
	return nil
}
