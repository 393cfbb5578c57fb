/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package coredata

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("manager is closed")
	// ErrReleased is returned by a worker context used after Release.
	ErrReleased = errors.New("context has been released")
	// ErrNotInBatch is returned by EndUpdates and CancelUpdates without a matching BeginUpdates.
	ErrNotInBatch = errors.New("no update batch in progress")
	// ErrForeignObject is returned when an object from another context is passed in.
	// Use Context.Resolve to obtain the local copy.
	ErrForeignObject = errors.New("object belongs to another context")
	// ErrNoIndexedAttribute is returned by unique lookups on entities without an indexed attribute.
	ErrNoIndexedAttribute = errors.New("entity has no indexed attribute")
	// ErrDeleted is returned when modifying an object that was deleted.
	ErrDeleted = errors.New("object is deleted")
)

// ConfigError reports a model or store location that could not be resolved.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("coredata config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
