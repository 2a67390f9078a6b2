package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// MappingSchema describes how a source's raw payload maps onto the canonical record.
type MappingSchema struct {
	Entity         string                 `json:"entity" yaml:"entity"`
	SchemaVersion  int                    `json:"schemaVersion" yaml:"schemaVersion"`
	IDStrategy     IDStrategy             `json:"idStrategy" yaml:"idStrategy"`
	TimestampField string                 `json:"timestampField,omitempty" yaml:"timestampField"`
	Fields         map[string]FieldConfig `json:"fields" yaml:"fields"`
	// PassThrough copies payload fields that have no mapping entry.
	PassThrough bool     `json:"passThrough,omitempty" yaml:"passThrough"`
	Exclude     []string `json:"exclude,omitempty" yaml:"exclude"`
}

type IDStrategy struct {
	SourceField string `json:"sourceField" yaml:"sourceField"`
	Type        string `json:"type" yaml:"type"`
}

type FieldConfig struct {
	Source   string `json:"source" yaml:"source"`
	Target   string `json:"target" yaml:"target"`
	Type     string `json:"type" yaml:"type"`
	Format   string `json:"format,omitempty" yaml:"format"`
	Required bool   `json:"required,omitempty" yaml:"required"`
}

// FieldNames returns the mapping's field names in a stable order.
func (m *MappingSchema) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Field returns the named field config with Source and Target defaulted to name.
func (m *MappingSchema) Field(name string) FieldConfig {
	f := m.Fields[name]
	if f.Source == "" {
		f.Source = name
	}
	if f.Target == "" {
		f.Target = name
	}
	return f
}

var knownTypes = map[string]bool{
	"": true, "string": true, "int": true, "float": true, "bool": true, "enum": true, "datetime": true,
}

func (m *MappingSchema) Validate() error {
	if m.IDStrategy.SourceField == "" {
		return errors.New("mapping: idStrategy.sourceField is required")
	}
	for _, name := range m.FieldNames() {
		if !knownTypes[m.Fields[name].Type] {
			return fmt.Errorf("mapping: field %q has unsupported type %q", name, m.Fields[name].Type)
		}
	}
	return nil
}

func LoadMapping(data []byte) (*MappingSchema, error) {
	var m MappingSchema
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
