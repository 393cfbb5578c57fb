/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package coredata

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"acecoredata/internal/model"
)

// Kind tells the main context apart from worker contexts.
type Kind int

const (
	KindMain Kind = iota
	KindWorker
)

func (k Kind) String() string {
	if k == KindMain {
		return "main"
	}
	return "worker"
}

// Context is a unit of work over the store. It keeps its own copy of every
// object it has touched plus the pending inserts, updates and deletes that
// the next Save will write.
//
// A worker context belongs to the goroutine that created it. The main
// context is meant to be used from the main queue (see Manager.Perform).
type Context struct {
	mgr   *Manager
	kind  Kind
	name  string
	batch bool // owned by BeginUpdates

	mu       sync.Mutex
	released bool
	objects  map[ObjectID]*Object
	inserted map[ObjectID]*Object
	updated  map[ObjectID]*Object
	deleted  map[ObjectID]*Object
}

func newContext(m *Manager, kind Kind, name string) *Context {
	return &Context{
		mgr:      m,
		kind:     kind,
		name:     name,
		objects:  make(map[ObjectID]*Object),
		inserted: make(map[ObjectID]*Object),
		updated:  make(map[ObjectID]*Object),
		deleted:  make(map[ObjectID]*Object),
	}
}

// Kind reports whether this is the main context or a worker.
func (c *Context) Kind() Kind { return c.kind }

// Name is a short label used in logs.
func (c *Context) Name() string { return c.name }

func (c *Context) usableLocked() error {
	if c.released {
		return ErrReleased
	}
	if c.mgr.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Entity returns the model description of an entity by name.
func (c *Context) Entity(name string) (*model.Entity, bool) { return c.mgr.model.Entity(name) }

// IndexedAttribute returns the unique key attribute declared for an entity.
func (c *Context) IndexedAttribute(entity string) (model.Attribute, bool) {
	e, ok := c.mgr.model.Entity(entity)
	if !ok {
		return model.Attribute{}, false
	}
	return e.Indexed()
}

func (c *Context) entity(name string) (*model.Entity, error) {
	e, ok := c.mgr.model.Entity(name)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return e, nil
}

// HasChanges reports whether a Save would write anything.
func (c *Context) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasChangesLocked()
}

func (c *Context) hasChangesLocked() bool {
	if len(c.inserted) > 0 || len(c.deleted) > 0 {
		return true
	}
	for _, o := range c.updated {
		if len(o.changed) > 0 {
			return true
		}
	}
	return false
}

// Insert creates a new object of entity. Declared defaults are applied first.
func (c *Context) Insert(entity string, vals map[string]any) (*Object, error) {
	e, err := c.entity(entity)
	if err != nil {
		return nil, err
	}
	norm, err := e.Normalize(vals)
	if err != nil {
		return nil, err
	}
	values := e.Defaults()
	maps.Copy(values, norm)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return nil, err
	}
	o := &Object{
		id:      ObjectID(uuid.NewString()),
		entity:  e,
		ctx:     c,
		state:   stateInserted,
		values:  values,
		changed: make(map[string]struct{}),
	}
	c.objects[o.id] = o
	c.inserted[o.id] = o
	return o, nil
}

// InsertOrFetch returns the object whose indexed attribute matches vals, or
// inserts a new one. created reports which happened. An existing object is
// returned unchanged.
func (c *Context) InsertOrFetch(entity string, vals map[string]any) (obj *Object, created bool, err error) {
	attr, ok := c.IndexedAttribute(entity)
	if !ok {
		if _, err := c.entity(entity); err != nil {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("insert or fetch %s: %w", entity, ErrNoIndexedAttribute)
	}
	key, ok := vals[attr.Name]
	if !ok || key == nil {
		return nil, false, fmt.Errorf("insert or fetch %s: %s is required", entity, attr.Name)
	}
	obj, err = c.FetchByUniqueID(entity, key)
	if err != nil || obj != nil {
		return obj, false, err
	}
	obj, err = c.Insert(entity, vals)
	return obj, err == nil, err
}

// Delete marks obj for deletion. Deleting an unsaved object just forgets it.
func (c *Context) Delete(obj *Object) error {
	if obj == nil {
		return nil
	}
	if obj.ctx != c {
		return ErrForeignObject
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	switch obj.state {
	case stateInserted:
		delete(c.inserted, obj.id)
		delete(c.objects, obj.id)
		obj.state = stateDetached
	case stateSaved:
		delete(c.updated, obj.id)
		obj.state = stateDeleted
		c.deleted[obj.id] = obj
	}
	return nil
}

// DeleteAll marks every object of entity for deletion and returns how many there were.
func (c *Context) DeleteAll(entity string) (int, error) {
	objs, err := c.FetchAll(entity)
	if err != nil {
		return 0, err
	}
	for _, o := range objs {
		if err := c.Delete(o); err != nil {
			return 0, err
		}
	}
	return len(objs), nil
}

// Count returns the number of objects of entity visible in this context.
func (c *Context) Count(entity string) (int, error) {
	objs, err := c.FetchAll(entity)
	return len(objs), err
}

// FetchAll returns every visible object of entity ordered by sorts.
func (c *Context) FetchAll(entity string, sorts ...Sort) ([]*Object, error) {
	return c.Fetch(FetchRequest{Entity: entity, Sort: sorts})
}

// Fetch returns the stored objects matching req with this context's pending
// changes laid over them: pending inserts appear, pending deletes do not.
func (c *Context) Fetch(req FetchRequest) ([]*Object, error) {
	e, err := c.entity(req.Entity)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	err = c.usableLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	recs, err := c.mgr.store.FetchAll(context.Background(), req.Entity)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return nil, err
	}
	seen := make(map[ObjectID]struct{}, len(recs))
	rows := make([]row, 0, len(recs))
	for _, r := range recs {
		id := ObjectID(r.ID)
		seen[id] = struct{}{}
		o := c.faultLocked(e, id, r.Values)
		if o.state == stateSaved {
			rows = append(rows, row{obj: o, vals: o.values})
		}
	}
	for id, o := range c.objects {
		if o.entity != e {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		switch {
		case o.state == stateInserted || (o.state == stateSaved && o.inflight > 0):
			rows = append(rows, row{obj: o, vals: o.values})
		case o.state == stateSaved && c.updated[id] == nil:
			// deleted by another context
			delete(c.objects, id)
			o.state = stateDetached
		}
	}
	if req.Where != nil {
		kept := rows[:0]
		for _, r := range rows {
			ok, err := req.Where(r.obj.id, r.vals)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", req.Entity, err)
			}
			if ok {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	sortRows(rows, req.Sort)
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}
	out := make([]*Object, len(rows))
	for i, r := range rows {
		out[i] = r.obj
	}
	return out, nil
}

// faultLocked returns the registered copy of id, creating it from stored values
// when absent and refreshing attributes this context has not edited.
func (c *Context) faultLocked(e *model.Entity, id ObjectID, stored map[string]any) *Object {
	if o, ok := c.objects[id]; ok {
		if o.inflight == 0 {
			for k, v := range stored {
				o.committed[k] = v
				if _, local := o.changed[k]; !local {
					o.values[k] = v
				}
			}
		}
		return o
	}
	o := &Object{
		id:        id,
		entity:    e,
		ctx:       c,
		state:     stateSaved,
		values:    stored,
		committed: maps.Clone(stored),
		changed:   make(map[string]struct{}),
	}
	c.objects[id] = o
	return o
}

// FetchByUniqueID returns the single object of entity whose indexed attribute
// equals key, or nil when there is none.
func (c *Context) FetchByUniqueID(entity string, key any) (*Object, error) {
	e, err := c.entity(entity)
	if err != nil {
		return nil, err
	}
	attr, ok := e.Indexed()
	if !ok {
		return nil, fmt.Errorf("fetch %s by unique id: %w", entity, ErrNoIndexedAttribute)
	}
	kv, err := e.Coerce(attr.Name, key)
	if err != nil {
		return nil, err
	}
	want := model.KeyString(kv)

	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	var local []*Object
	for _, o := range c.objects {
		if o.entity != e || (o.state != stateInserted && o.state != stateSaved) {
			continue
		}
		if v := o.values[attr.Name]; v != nil && model.KeyString(v) == want {
			local = append(local, o)
		}
	}
	c.mu.Unlock()
	if len(local) > 0 {
		slices.SortFunc(local, func(a, b *Object) int { return strings.Compare(string(a.id), string(b.id)) })
		return local[0], nil
	}

	rec, found, err := c.mgr.store.GetByKey(context.Background(), entity, want)
	if err != nil || !found {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objects[ObjectID(rec.ID)]; ok {
		// registered here with a different key or deleted
		return nil, nil
	}
	return c.faultLocked(e, ObjectID(rec.ID), rec.Values), nil
}

// ObjectWithID returns this context's copy of id, or nil if the object no longer exists.
func (c *Context) ObjectWithID(id ObjectID) (*Object, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if o, ok := c.objects[id]; ok {
		switch {
		case o.state == stateDeleted || o.state == stateDetached:
			c.mu.Unlock()
			return nil, nil
		case o.state != stateSaved || o.inflight > 0 || c.updated[id] != nil:
			// pending here; the store is not authoritative yet
			c.mu.Unlock()
			return o, nil
		}
	}
	c.mu.Unlock()

	rec, found, err := c.mgr.store.Get(context.Background(), string(id))
	if err != nil {
		return nil, err
	}
	if !found {
		c.mu.Lock()
		if o, ok := c.objects[id]; ok && o.state == stateSaved && o.inflight == 0 && c.updated[id] == nil {
			// deleted by another context
			delete(c.objects, id)
			o.state = stateDetached
		}
		c.mu.Unlock()
		return nil, nil
	}
	e, err := c.entity(rec.Entity)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.faultLocked(e, id, rec.Values)
	if o.state != stateSaved && o.state != stateInserted {
		return nil, nil
	}
	return o, nil
}

// Resolve maps an object from any context to this context's copy.
// A nil result with a nil error means the object is gone.
func (c *Context) Resolve(obj *Object) (*Object, error) {
	if obj == nil {
		return nil, nil
	}
	return c.ObjectWithID(obj.id)
}

// Rollback discards every pending change.
func (c *Context) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackLocked()
}

func (c *Context) rollbackLocked() {
	for id, o := range c.inserted {
		delete(c.objects, id)
		o.state = stateDetached
	}
	for _, o := range c.updated {
		o.revertLocked()
	}
	for _, o := range c.deleted {
		o.revertLocked()
		o.state = stateSaved
	}
	clear(c.inserted)
	clear(c.updated)
	clear(c.deleted)
}

func (o *Object) revertLocked() {
	for k := range o.changed {
		if v, ok := o.committed[k]; ok {
			o.values[k] = v
		} else {
			delete(o.values, k)
		}
	}
	clear(o.changed)
}

// Save writes the pending changes. See Manager for where the write runs.
func (c *Context) Save() *Future { return c.mgr.save(c, "save", nil) }

// Release discards a worker context. Later use returns ErrReleased.
// Releasing the main context does nothing.
func (c *Context) Release() {
	if c.kind == KindMain {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.rollbackLocked()
	c.released = true
	clear(c.objects)
}
