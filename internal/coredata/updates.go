/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package coredata

import (
	"log/slog"

	"acecoredata/internal/crash"
)

// UpdateState is the state of the update batch.
type UpdateState int

const (
	StateIdle UpdateState = iota
	StateInBatch
	StateCommitting
	StateAborting
)

func (s UpdateState) String() string {
	switch s {
	case StateInBatch:
		return "in-batch"
	case StateCommitting:
		return "committing"
	case StateAborting:
		return "aborting"
	default:
		return "idle"
	}
}

// UpdateState reports where the current batch is.
func (m *Manager) UpdateState() UpdateState {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	return m.state
}

// BatchDepth returns how many BeginUpdates calls are still open.
func (m *Manager) BatchDepth() int {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	return m.depth
}

// BeginUpdates opens an update batch and returns its worker context.
// Nested calls return the same context; only the outermost EndUpdates commits.
func (m *Manager) BeginUpdates() *Context {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	if m.depth == 0 {
		m.batch = m.NewWorkerContext()
		m.batch.batch = true
		m.state = StateInBatch
		m.log.Debug("update batch opened", slog.String("context", m.batch.name))
	}
	m.depth++
	return m.batch
}

// EndUpdates closes one level of the batch. At the outermost level the batch
// is saved and merged into the main context; on failure its changes are
// discarded and the store is left untouched.
func (m *Manager) EndUpdates() *Future {
	m.batchMu.Lock()
	if m.depth == 0 {
		m.batchMu.Unlock()
		m.fail("endUpdates", ErrNotInBatch)
		return resolved(ErrNotInBatch)
	}
	m.depth--
	if m.depth > 0 {
		m.batchMu.Unlock()
		return resolved(nil)
	}
	c := m.batch
	m.batch = nil
	m.state = StateCommitting
	m.batchMu.Unlock()

	return m.save(c, "endUpdates", func(err error) {
		m.batchMu.Lock()
		if err != nil {
			m.log.Warn("update batch aborted", slog.String("context", c.name), slog.Any("err", err))
		}
		if m.depth == 0 {
			m.state = StateIdle
		} else {
			// a new batch was opened while this one was committing
			m.state = StateInBatch
		}
		m.batchMu.Unlock()
		c.Release()
	})
}

// CancelUpdates abandons the open batch before it is ended.
func (m *Manager) CancelUpdates() error {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	if m.depth == 0 {
		return ErrNotInBatch
	}
	c := m.batch
	m.batch = nil
	m.depth = 0
	m.state = StateIdle
	c.Release()
	m.log.Debug("update batch cancelled", slog.String("context", c.name))
	return nil
}

// PerformOperation runs action on a fresh worker context, saves it and merges
// the result into the main context. completion runs after the write and the
// merge have finished. An error or panic from action discards the worker and
// is reported like a failed save.
func (m *Manager) PerformOperation(action func(w *Context) error, completion func(err error)) *Future {
	w := m.NewWorkerContext()
	if action != nil {
		if err := crash.Guard("performOperation", func() error { return action(w) }); err != nil {
			w.Release()
			m.fail("performOperation", err)
			m.complete("performOperation", completion, err)
			return resolved(err)
		}
	}
	return m.save(w, "performOperation", func(err error) {
		w.Release()
		if completion != nil {
			completion(err)
		}
	})
}
