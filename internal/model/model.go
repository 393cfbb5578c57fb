/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package model loads the entity model that describes what the store may hold:
// entity kinds, their typed attributes and the optional indexed attribute used
// as an application-level unique key. Model files are JSON and are validated
// against an embedded JSON Schema before they are accepted.
package model

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	gojsonschema "github.com/xeipuuv/gojsonschema"
)

//go:embed model.schema.json
var schemaJSON []byte

// AttributeType enumerates the value kinds an attribute may hold.
type AttributeType string

const (
	TypeString  AttributeType = "string"
	TypeInteger AttributeType = "integer"
	TypeDouble  AttributeType = "double"
	TypeBoolean AttributeType = "boolean"
	TypeDate    AttributeType = "date"
)

// Attribute describes one field of an entity.
type Attribute struct {
	Name     string        `json:"name"`
	Type     AttributeType `json:"type"`
	Optional bool          `json:"optional,omitempty"`
	Default  any           `json:"default,omitempty"`
}

// Entity describes one kind of managed record.
type Entity struct {
	Name             string      `json:"name"`
	IndexedAttribute string      `json:"indexedAttribute,omitempty"`
	Attributes       []Attribute `json:"attributes"`

	byName map[string]int
}

// Model is the parsed, validated model file.
type Model struct {
	Name     string    `json:"name,omitempty"`
	Version  int       `json:"version,omitempty"`
	Entities []*Entity `json:"entities"`

	byName map[string]*Entity
}

// Load reads and parses the model at path.
func Load(path string) (*Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	m, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return m, nil
}

// Parse validates data against the model schema and builds the lookup tables.
func Parse(data []byte) (*Model, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("schema validate: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, &SchemaError{Problems: msgs}
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	if err := m.index(); err != nil {
		return nil, err
	}
	return &m, nil
}

// SchemaError lists every reason a model file was rejected.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "invalid model: " + strings.Join(e.Problems, "; ")
}

func (m *Model) index() error {
	m.byName = make(map[string]*Entity, len(m.Entities))
	for _, e := range m.Entities {
		if _, dup := m.byName[e.Name]; dup {
			return fmt.Errorf("duplicate entity %q", e.Name)
		}
		e.byName = make(map[string]int, len(e.Attributes))
		for i, a := range e.Attributes {
			if _, dup := e.byName[a.Name]; dup {
				return fmt.Errorf("entity %s: duplicate attribute %q", e.Name, a.Name)
			}
			e.byName[a.Name] = i
			if a.Default != nil {
				v, err := coerce(a.Type, a.Default)
				if err != nil {
					return fmt.Errorf("entity %s: default of %s: %w", e.Name, a.Name, err)
				}
				e.Attributes[i].Default = v
			}
		}
		if e.IndexedAttribute != "" {
			a, ok := e.Attribute(e.IndexedAttribute)
			if !ok {
				return fmt.Errorf("entity %s: indexed attribute %q is not declared", e.Name, e.IndexedAttribute)
			}
			if a.Type != TypeString && a.Type != TypeInteger {
				return fmt.Errorf("entity %s: indexed attribute %q must be a string or integer", e.Name, a.Name)
			}
		}
		m.byName[e.Name] = e
	}
	return nil
}

// Entity returns the entity description by name.
func (m *Model) Entity(name string) (*Entity, bool) {
	e, ok := m.byName[name]
	return e, ok
}

// EntityNames returns all entity names, sorted.
func (m *Model) EntityNames() []string {
	names := make([]string, 0, len(m.byName))
	for n := range m.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Attribute returns the attribute description by name.
func (e *Entity) Attribute(name string) (Attribute, bool) {
	i, ok := e.byName[name]
	if !ok {
		return Attribute{}, false
	}
	return e.Attributes[i], true
}

// Indexed returns the indexed attribute, if the entity declares one.
func (e *Entity) Indexed() (Attribute, bool) {
	if e.IndexedAttribute == "" {
		return Attribute{}, false
	}
	return e.Attribute(e.IndexedAttribute)
}

// Defaults returns a fresh value map pre-filled with declared defaults.
func (e *Entity) Defaults() map[string]any {
	vals := make(map[string]any, len(e.Attributes))
	for _, a := range e.Attributes {
		if a.Default != nil {
			vals[a.Name] = a.Default
		}
	}
	return vals
}

// Coerce converts v to the canonical Go representation of attribute key.
// A nil value is passed through; Validate decides whether it is allowed.
func (e *Entity) Coerce(key string, v any) (any, error) {
	a, ok := e.Attribute(key)
	if !ok {
		return nil, fmt.Errorf("entity %s has no attribute %q", e.Name, key)
	}
	if v == nil {
		return nil, nil
	}
	out, err := coerce(a.Type, v)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", e.Name, key, err)
	}
	return out, nil
}

// Normalize coerces every value in vals, returning a new map.
func (e *Entity) Normalize(vals map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(vals))
	for k, v := range vals {
		cv, err := e.Coerce(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = cv
	}
	return out, nil
}

// Validate reports missing required attributes and unknown keys.
func (e *Entity) Validate(vals map[string]any) error {
	var problems []string
	for _, a := range e.Attributes {
		if a.Optional {
			continue
		}
		if v, ok := vals[a.Name]; !ok || v == nil {
			problems = append(problems, fmt.Sprintf("%s is required", a.Name))
		}
	}
	for k := range vals {
		if _, ok := e.byName[k]; !ok {
			problems = append(problems, fmt.Sprintf("%s is not an attribute", k))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &ValidationError{Entity: e.Name, Problems: problems}
}

// UniqueKey returns the canonical key of the indexed attribute in vals.
// ok is false when the entity has no indexed attribute or the value is unset.
func (e *Entity) UniqueKey(vals map[string]any) (string, bool) {
	a, has := e.Indexed()
	if !has {
		return "", false
	}
	v, set := vals[a.Name]
	if !set || v == nil {
		return "", false
	}
	return KeyString(v), true
}

// ValidationError is returned when values do not satisfy the entity description.
type ValidationError struct {
	Entity   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Entity, strings.Join(e.Problems, ", "))
}
