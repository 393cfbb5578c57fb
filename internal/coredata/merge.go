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
	"maps"
	"slices"
	"strings"

	"acecoredata/internal/store"
)

// MergePolicy decides who wins when a saved worker change meets an unsaved
// edit of the same attribute in the main context.
type MergePolicy int

const (
	// MergeIncomingWins takes the saved value and drops the local edit.
	MergeIncomingWins MergePolicy = iota
	// MergeLocalWins keeps the local edit; it is written by the next main save.
	MergeLocalWins
)

// ParseMergePolicy reads "incoming" (or empty) and "local".
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "incoming":
		return MergeIncomingWins, nil
	case "local":
		return MergeLocalWins, nil
	default:
		return 0, fmt.Errorf("unknown merge policy %q", s)
	}
}

func (p MergePolicy) String() string {
	if p == MergeLocalWins {
		return "local"
	}
	return "incoming"
}

// Changes describes one saved unit of work as delivered to observers.
type Changes struct {
	Source   Kind
	Inserted []ObjectID
	Updated  []ObjectID
	Deleted  []ObjectID
	// Entities lists the touched entity names, sorted.
	Entities []string
}

// Touches reports whether the change involves entity.
func (ch Changes) Touches(entity string) bool {
	_, ok := slices.BinarySearch(ch.Entities, entity)
	return ok
}

// Empty reports whether nothing changed.
func (ch Changes) Empty() bool {
	return len(ch.Inserted) == 0 && len(ch.Updated) == 0 && len(ch.Deleted) == 0
}

func changesOf(src Kind, cs store.ChangeSet) Changes {
	ch := Changes{Source: src}
	ents := map[string]struct{}{}
	for _, r := range cs.Inserted {
		ch.Inserted = append(ch.Inserted, ObjectID(r.ID))
		ents[r.Entity] = struct{}{}
	}
	for _, r := range cs.Updated {
		ch.Updated = append(ch.Updated, ObjectID(r.ID))
		ents[r.Entity] = struct{}{}
	}
	for _, r := range cs.Deleted {
		ch.Deleted = append(ch.Deleted, ObjectID(r.ID))
		ents[r.Entity] = struct{}{}
	}
	ch.Entities = slices.Sorted(maps.Keys(ents))
	return ch
}

// pendingSave is a context's changes captured for one write.
type pendingSave struct {
	cs       store.ChangeSet
	inserted []*Object
	updated  []*Object
	before   []map[string]any // committed values of the written keys, parallel to updated
	deleted  []*Object
}

func byID(m map[ObjectID]*Object) []*Object {
	out := slices.Collect(maps.Values(m))
	slices.SortFunc(out, func(a, b *Object) int { return strings.Compare(string(a.id), string(b.id)) })
	return out
}

// take moves the pending changes into a pendingSave. Inserted objects count as
// saved from here on; commit or abort settles the outcome.
func (c *Context) take() (*pendingSave, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return nil, err
	}
	ps := &pendingSave{}
	for _, o := range byID(c.inserted) {
		ps.cs.Inserted = append(ps.cs.Inserted, store.Record{ID: string(o.id), Entity: o.entity.Name, Values: maps.Clone(o.values)})
		o.state = stateSaved
		o.committed = maps.Clone(o.values)
		o.inflight++
		ps.inserted = append(ps.inserted, o)
	}
	for _, o := range byID(c.updated) {
		if len(o.changed) == 0 {
			continue
		}
		vals := make(map[string]any, len(o.changed))
		before := make(map[string]any, len(o.changed))
		for k := range o.changed {
			vals[k] = o.values[k]
			before[k] = o.committed[k]
		}
		clear(o.changed)
		o.inflight++
		ps.cs.Updated = append(ps.cs.Updated, store.Record{ID: string(o.id), Entity: o.entity.Name, Values: vals})
		ps.updated = append(ps.updated, o)
		ps.before = append(ps.before, before)
	}
	for _, o := range byID(c.deleted) {
		ps.cs.Deleted = append(ps.cs.Deleted, store.Record{ID: string(o.id), Entity: o.entity.Name})
		o.inflight++
		ps.deleted = append(ps.deleted, o)
	}
	clear(c.inserted)
	clear(c.updated)
	clear(c.deleted)
	return ps, nil
}

// commit settles a successful write.
func (c *Context) commit(ps *pendingSave) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range ps.inserted {
		o.inflight--
	}
	for i, o := range ps.updated {
		o.inflight--
		for k, v := range ps.cs.Updated[i].Values {
			o.committed[k] = v
		}
	}
	for _, o := range ps.deleted {
		o.inflight--
		o.state = stateDetached
		if cur, ok := c.objects[o.id]; ok && cur == o {
			delete(c.objects, o.id)
		}
	}
}

// abort undoes a failed write and discards everything else pending in the context.
func (c *Context) abort(ps *pendingSave) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range ps.inserted {
		o.inflight--
		o.state = stateDetached
		delete(c.objects, o.id)
		delete(c.updated, o.id)
		delete(c.deleted, o.id)
	}
	for i, o := range ps.updated {
		o.inflight--
		for k, v := range ps.before[i] {
			if v == nil {
				delete(o.values, k)
				continue
			}
			o.values[k] = v
		}
	}
	for _, o := range ps.deleted {
		o.inflight--
		if o.state == stateDeleted {
			o.state = stateSaved
			o.revertLocked()
		}
	}
	c.rollbackLocked()
}

// merge applies a saved change set from a worker into c using policy.
func (c *Context) merge(cs store.ChangeSet, policy MergePolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range cs.Inserted {
		id := ObjectID(r.ID)
		if _, ok := c.objects[id]; ok {
			continue
		}
		e, ok := c.mgr.model.Entity(r.Entity)
		if !ok {
			continue
		}
		c.faultLocked(e, id, maps.Clone(r.Values))
	}
	for _, r := range cs.Updated {
		o, ok := c.objects[ObjectID(r.ID)]
		if !ok {
			continue
		}
		for k, v := range r.Values {
			o.committed[k] = v
			if _, local := o.changed[k]; local && policy == MergeLocalWins {
				continue
			}
			o.values[k] = v
			delete(o.changed, k)
		}
		if len(o.changed) == 0 {
			delete(c.updated, o.id)
		}
	}
	for _, r := range cs.Deleted {
		id := ObjectID(r.ID)
		o, ok := c.objects[id]
		if !ok {
			continue
		}
		delete(c.objects, id)
		delete(c.inserted, id)
		delete(c.updated, id)
		delete(c.deleted, id)
		o.state = stateDetached
	}
}
