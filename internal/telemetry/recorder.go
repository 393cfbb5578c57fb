/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package telemetry

import (
	"sync"
	"time"
)

// Failure is one recorded operation failure.
type Failure struct {
	Op   string
	Err  error
	When time.Time
}

// Recorder keeps the last N failures in a ring. The zero value is unusable; use NewRecorder.
type Recorder struct {
	mu    sync.Mutex
	buf   []Failure
	next  int
	full  bool
	total int
}

// NewRecorder returns a ring holding up to keep failures (minimum 1).
func NewRecorder(keep int) *Recorder {
	if keep < 1 {
		keep = 1
	}
	return &Recorder{buf: make([]Failure, keep)}
}

// Record stores a failure, evicting the oldest one when full.
func (r *Recorder) Record(op string, err error) {
	if r == nil || err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = Failure{Op: op, Err: err, When: time.Now()}
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.total++
}

// Failures returns the retained failures, oldest first.
func (r *Recorder) Failures() []Failure {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Failure(nil), r.buf[:r.next]...)
	}
	out := make([]Failure, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Total counts every failure ever recorded, including evicted ones.
func (r *Recorder) Total() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
