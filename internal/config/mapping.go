package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BartekS5/syncflow/pkg/models"
)

// LoadMappingFile reads a mapping schema from a JSON or YAML file.
func LoadMappingFile(path string) (*models.MappingSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file '%s': %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m models.MappingSchema
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse mapping file '%s': %w", path, err)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("mapping file '%s': %w", path, err)
		}
		return &m, nil
	default:
		m, err := models.LoadMapping(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse mapping file '%s': %w", path, err)
		}
		return m, nil
	}
}

// loadMappings reads each source's mapping file, relative to the config
// file's directory, and validates inline mappings.
func (c *Config) loadMappings() error {
	base := filepath.Dir(c.path)
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.MappingFile != "" {
			if s.Mapping != nil {
				return fmt.Errorf("source %s: mapping and mappingFile are mutually exclusive", s.Name)
			}
			path := s.MappingFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(base, path)
			}
			m, err := LoadMappingFile(path)
			if err != nil {
				return fmt.Errorf("source %s: %w", s.Name, err)
			}
			s.Mapping = m
			continue
		}
		if s.Mapping != nil {
			if err := s.Mapping.Validate(); err != nil {
				return fmt.Errorf("source %s: %w", s.Name, err)
			}
		}
	}
	return nil
}
