/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package model

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func loadPeople(t *testing.T) *Model {
	t.Helper()
	m, err := Load(filepath.Join("testdata", "people.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

func TestLoadModelAndIntrospect(t *testing.T) {
	m := loadPeople(t)
	if got := strings.Join(m.EntityNames(), ","); got != "Note,Person" {
		t.Fatalf("EntityNames = %q", got)
	}
	p, ok := m.Entity("Person")
	if !ok {
		t.Fatalf("Person entity missing")
	}
	idx, ok := p.Indexed()
	if !ok || idx.Name != "id" || idx.Type != TypeString {
		t.Fatalf("unexpected indexed attribute: %+v ok=%v", idx, ok)
	}
	n, _ := m.Entity("Note")
	if _, ok := n.Indexed(); ok {
		t.Fatalf("Note should not have an indexed attribute")
	}
	if _, ok := m.Entity("Missing"); ok {
		t.Fatalf("unexpected entity")
	}
	d := p.Defaults()
	if d["score"] != float64(0) || d["active"] != true {
		t.Fatalf("defaults not coerced: %#v", d)
	}
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	_, err := Parse([]byte(`{"entities":[{"name":"X","attributes":[{"name":"a","type":"blob"}]}]}`))
	var se *SchemaError
	if !errors.As(err, &se) || len(se.Problems) == 0 {
		t.Fatalf("expected SchemaError, got %v", err)
	}
}

func TestParseRejectsBadIndexedAttribute(t *testing.T) {
	cases := map[string]string{
		"undeclared": `{"entities":[{"name":"X","indexedAttribute":"id","attributes":[{"name":"a","type":"string"}]}]}`,
		"wrong type": `{"entities":[{"name":"X","indexedAttribute":"a","attributes":[{"name":"a","type":"double"}]}]}`,
		"duplicate":  `{"entities":[{"name":"X","attributes":[]},{"name":"X","attributes":[]}]}`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestCoerceAndValidate(t *testing.T) {
	m := loadPeople(t)
	p, _ := m.Entity("Person")
	vals, err := p.Normalize(map[string]any{"id": "42", "name": "Ada", "age": 36, "born": "1815-12-10T00:00:00Z"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if vals["age"] != int64(36) {
		t.Fatalf("age = %#v", vals["age"])
	}
	if _, ok := vals["born"].(time.Time); !ok {
		t.Fatalf("born = %#v", vals["born"])
	}
	if err := p.Validate(vals); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := p.Coerce("age", 1.5); err == nil {
		t.Fatalf("fractional integer should fail")
	}
	if _, err := p.Coerce("nope", 1); err == nil {
		t.Fatalf("unknown attribute should fail")
	}
	err = p.Validate(map[string]any{"id": "1", "extra": 1})
	var ve *ValidationError
	if !errors.As(err, &ve) || len(ve.Problems) != 2 {
		t.Fatalf("expected 2 validation problems, got %v", err)
	}
	if k, ok := p.UniqueKey(vals); !ok || k != "42" {
		t.Fatalf("UniqueKey = %q, %v", k, ok)
	}
}

func TestEncodeDecodeKeepsCanonicalTypes(t *testing.T) {
	m := loadPeople(t)
	p, _ := m.Entity("Person")
	born := time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC)
	in := map[string]any{"id": "7", "name": "Ada", "age": int64(36), "score": 9.5, "active": false, "born": born}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := p.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for k, v := range in {
		if !Equal(out[k], v) {
			t.Fatalf("%s: got %#v want %#v", k, out[k], v)
		}
	}
}

func TestCompare(t *testing.T) {
	if Compare(nil, "a") >= 0 || Compare("a", nil) <= 0 || Compare(nil, nil) != 0 {
		t.Fatalf("nil ordering wrong")
	}
	if Compare(int64(2), int64(10)) >= 0 || Compare(2.5, int64(2)) <= 0 {
		t.Fatalf("numeric ordering wrong")
	}
	if Compare(false, true) >= 0 || Compare("b", "a") <= 0 {
		t.Fatalf("bool/string ordering wrong")
	}
}
