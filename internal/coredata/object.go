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

	"acecoredata/internal/model"
)

// ObjectID is the store-assigned identity of an object. IDs, not objects,
// cross context boundaries.
type ObjectID string

type objectState int

const (
	stateInserted objectState = iota // pending insert
	stateSaved                       // present in the store
	stateDeleted                     // pending delete
	stateDetached                    // gone: rolled back or deleted
)

// Object is one managed record as seen by a single context.
// All access goes through the owning context's lock.
type Object struct {
	id     ObjectID
	entity *model.Entity
	ctx    *Context

	state     objectState
	values    map[string]any
	committed map[string]any      // last known stored values
	changed   map[string]struct{} // keys edited since the last save
	inflight  int                 // saves of this object not yet finished
}

// ID returns the object's identity.
func (o *Object) ID() ObjectID { return o.id }

// EntityName returns the entity kind of the object.
func (o *Object) EntityName() string { return o.entity.Name }

// Context returns the context the object belongs to.
func (o *Object) Context() *Context { return o.ctx }

// Get returns the value of key, or nil when unset.
func (o *Object) Get(key string) any {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return o.values[key]
}

// Values returns a copy of all attribute values.
func (o *Object) Values() map[string]any {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return maps.Clone(o.values)
}

// IsDeleted reports whether the object was deleted or rolled back out of existence.
func (o *Object) IsDeleted() bool {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return o.state == stateDeleted || o.state == stateDetached
}

// IsInserted reports whether the object has not been saved yet.
func (o *Object) IsInserted() bool {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return o.state == stateInserted
}

// Set assigns one attribute. The value is coerced to the attribute's type.
func (o *Object) Set(key string, v any) error {
	cv, err := o.entity.Coerce(key, v)
	if err != nil {
		return err
	}
	c := o.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	if o.state == stateDeleted || o.state == stateDetached {
		return fmt.Errorf("set %s.%s on %s: %w", o.entity.Name, key, o.id, ErrDeleted)
	}
	if old, ok := o.values[key]; ok && model.Equal(old, cv) {
		return nil
	}
	o.values[key] = cv
	if o.state == stateInserted {
		return nil
	}
	o.changed[key] = struct{}{}
	c.updated[o.id] = o
	return nil
}

// SetValues assigns several attributes. It stops at the first invalid value.
func (o *Object) SetValues(vals map[string]any) error {
	for k, v := range vals {
		if err := o.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (o *Object) String() string {
	return fmt.Sprintf("%s(%s)", o.entity.Name, o.id)
}
