/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package coredata

import (
	"fmt"
	"slices"
	"strings"

	"acecoredata/internal/model"
)

// Sort orders fetch results by one attribute.
type Sort struct {
	Key        string
	Descending bool
}

// Asc and Desc build sort descriptors.
func Asc(key string) Sort  { return Sort{Key: key} }
func Desc(key string) Sort { return Sort{Key: key, Descending: true} }

// ParseSort reads "key", "key:asc" or "key:desc".
func ParseSort(s string) (Sort, error) {
	key, dir, _ := strings.Cut(strings.TrimSpace(s), ":")
	if key == "" {
		return Sort{}, fmt.Errorf("empty sort key in %q", s)
	}
	switch strings.ToLower(dir) {
	case "", "asc":
		return Asc(key), nil
	case "desc":
		return Desc(key), nil
	default:
		return Sort{}, fmt.Errorf("unknown sort direction %q", dir)
	}
}

func (s Sort) String() string {
	if s.Descending {
		return s.Key + ":desc"
	}
	return s.Key
}

// FetchRequest selects objects of one entity.
type FetchRequest struct {
	Entity string
	// Where filters objects; nil keeps all. It runs with the context lock held
	// and must only read the supplied values.
	Where func(id ObjectID, values map[string]any) (bool, error)
	Sort  []Sort
	// Limit caps the result; zero means no limit.
	Limit int
}

type row struct {
	obj  *Object
	vals map[string]any
}

// sortRows orders rows by sorts, breaking ties by ID so results are stable.
func sortRows(rows []row, sorts []Sort) {
	slices.SortStableFunc(rows, func(a, b row) int {
		for _, s := range sorts {
			c := model.Compare(a.vals[s.Key], b.vals[s.Key])
			if s.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return strings.Compare(string(a.obj.id), string(b.obj.id))
	})
}
