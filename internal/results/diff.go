/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package results

import (
	"cmp"
	"slices"
	"sort"

	"acecoredata/internal/coredata"
	"acecoredata/internal/model"
)

// ChangeType classifies one reported change.
type ChangeType int

const (
	RowInserted ChangeType = iota
	RowDeleted
	RowMoved
	RowUpdated
	SectionInserted
	SectionDeleted
)

func (t ChangeType) String() string {
	switch t {
	case RowInserted:
		return "insert"
	case RowDeleted:
		return "delete"
	case RowMoved:
		return "move"
	case RowUpdated:
		return "update"
	case SectionInserted:
		return "section-insert"
	case SectionDeleted:
		return "section-delete"
	default:
		return "unknown"
	}
}

// Change is one event reported to a Delegate. Row changes carry Object and
// the paths that apply: OldPath for deletes, NewPath for inserts and updates,
// both for moves. Section changes carry SectionIndex and SectionName, using
// the old index for deletes and the new one for inserts.
type Change struct {
	Type         ChangeType
	Object       *coredata.Object
	OldPath      IndexPath
	NewPath      IndexPath
	SectionIndex int
	SectionName  string
}

// Delegate receives the changes of one refetch. WillChange and DidChange
// bracket every non-empty group of Changed calls. FetchFailed reports a
// refetch that could not run; the previous rows stay in place. Callbacks run
// on the manager's main queue.
type Delegate interface {
	WillChange(rs *ResultSet)
	Changed(rs *ResultSet, c Change)
	DidChange(rs *ResultSet)
	FetchFailed(rs *ResultSet, err error)
}

// Funcs adapts plain functions to Delegate; nil fields are skipped.
type Funcs struct {
	OnWillChange  func(rs *ResultSet)
	OnChange      func(rs *ResultSet, c Change)
	OnDidChange   func(rs *ResultSet)
	OnFetchFailed func(rs *ResultSet, err error)
}

func (f Funcs) WillChange(rs *ResultSet) {
	if f.OnWillChange != nil {
		f.OnWillChange(rs)
	}
}

func (f Funcs) Changed(rs *ResultSet, c Change) {
	if f.OnChange != nil {
		f.OnChange(rs, c)
	}
}

func (f Funcs) DidChange(rs *ResultSet) {
	if f.OnDidChange != nil {
		f.OnDidChange(rs)
	}
}

func (f Funcs) FetchFailed(rs *ResultSet, err error) {
	if f.OnFetchFailed != nil {
		f.OnFetchFailed(rs, err)
	}
}

type rowInfo struct {
	obj     *coredata.Object
	path    IndexPath
	section string
	rank    int // position across all sections
	vals    map[string]any
}

type snapshot struct {
	sections []string
	order    []coredata.ObjectID
	rows     map[coredata.ObjectID]rowInfo
}

func takeSnapshot(secs []Section) snapshot {
	s := snapshot{rows: make(map[coredata.ObjectID]rowInfo)}
	for si, sec := range secs {
		s.sections = append(s.sections, sec.Name)
		for ri, o := range sec.Objects {
			s.rows[o.ID()] = rowInfo{
				obj:     o,
				path:    IndexPath{Section: si, Row: ri},
				section: sec.Name,
				rank:    len(s.order),
				vals:    o.Values(),
			}
			s.order = append(s.order, o.ID())
		}
	}
	return s
}

// diff lists what changed from old to cur: section deletes and inserts,
// then row deletes, inserts, moves and updates, each in path order.
func diff(old, cur snapshot) []Change {
	var out []Change

	oldSec := make(map[string]bool, len(old.sections))
	for _, n := range old.sections {
		oldSec[n] = true
	}
	curSec := make(map[string]bool, len(cur.sections))
	for _, n := range cur.sections {
		curSec[n] = true
	}
	for i, n := range old.sections {
		if !curSec[n] {
			out = append(out, Change{Type: SectionDeleted, SectionIndex: i, SectionName: n})
		}
	}
	for i, n := range cur.sections {
		if !oldSec[n] {
			out = append(out, Change{Type: SectionInserted, SectionIndex: i, SectionName: n})
		}
	}

	var deleted, inserted, moved, updated []Change
	for _, id := range old.order {
		if _, ok := cur.rows[id]; !ok {
			r := old.rows[id]
			deleted = append(deleted, Change{Type: RowDeleted, Object: r.obj, OldPath: r.path})
		}
	}

	// common rows, in their new order, with their old rank
	var common []coredata.ObjectID
	var ranks []int
	for _, id := range cur.order {
		r, ok := old.rows[id]
		if !ok {
			n := cur.rows[id]
			inserted = append(inserted, Change{Type: RowInserted, Object: n.obj, NewPath: n.path})
			continue
		}
		common = append(common, id)
		ranks = append(ranks, r.rank)
	}
	stay := stable(ranks)
	for i, id := range common {
		o, n := old.rows[id], cur.rows[id]
		if !stay[i] || o.section != n.section {
			moved = append(moved, Change{Type: RowMoved, Object: n.obj, OldPath: o.path, NewPath: n.path})
			continue
		}
		if !sameValues(o.vals, n.vals) {
			updated = append(updated, Change{Type: RowUpdated, Object: n.obj, OldPath: o.path, NewPath: n.path})
		}
	}
	slices.SortStableFunc(moved, func(a, b Change) int { return comparePath(a.NewPath, b.NewPath) })

	out = append(out, deleted...)
	out = append(out, inserted...)
	out = append(out, moved...)
	return append(out, updated...)
}

// stable marks the entries of ranks that form a longest increasing
// subsequence; the rest changed their relative order.
func stable(ranks []int) []bool {
	keep := make([]bool, len(ranks))
	if len(ranks) == 0 {
		return keep
	}
	tails := []int{} // indexes into ranks
	prev := make([]int, len(ranks))
	for i, r := range ranks {
		j := sort.Search(len(tails), func(k int) bool { return ranks[tails[k]] >= r })
		if j > 0 {
			prev[i] = tails[j-1]
		} else {
			prev[i] = -1
		}
		if j == len(tails) {
			tails = append(tails, i)
		} else {
			tails[j] = i
		}
	}
	for i := tails[len(tails)-1]; i >= 0; i = prev[i] {
		keep[i] = true
	}
	return keep
}

func sameValues(a, b map[string]any) bool {
	for k, v := range a {
		if !model.Equal(v, b[k]) {
			return false
		}
	}
	for k, v := range b {
		if _, ok := a[k]; !ok && v != nil {
			return false
		}
	}
	return true
}

func comparePath(a, b IndexPath) int {
	if c := cmp.Compare(a.Section, b.Section); c != 0 {
		return c
	}
	return cmp.Compare(a.Row, b.Row)
}
