/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(Config{OptIn: true, EventsURL: srv.URL, Debug: true})
	defer c.Close()
	c.Failure("save", errors.New("x"))
	flush(t, c)
	if calls.Load() != 2 || c.Sent() != 1 {
		t.Fatalf("calls %d sent %d", calls.Load(), c.Sent())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{OptIn: true, EventsURL: srv.URL})
	defer c.Close()
	c.Failure("save", errors.New("x"))
	flush(t, c)
	if calls.Load() != 1 || c.Sent() != 0 {
		t.Fatalf("calls %d sent %d", calls.Load(), c.Sent())
	}
}

func TestUnreachableEndpointGivesUp(t *testing.T) {
	c := New(Config{
		OptIn:     true,
		EventsURL: "http://127.0.0.1:1/events",
		CrashURL:  "http://127.0.0.1:1/crash",
		Timeout:   50 * time.Millisecond,
		Debug:     true,
	})
	defer c.Close()
	c.Failure("save", errors.New("x"))
	c.UploadCrash([]byte("oops"))
	flush(t, c)
	if c.Sent() != 0 {
		t.Fatalf("sent %d to an unreachable endpoint", c.Sent())
	}
}

func TestFullQueueAndClosedClientDrop(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{OptIn: true, EventsURL: srv.URL, Timeout: 5 * time.Second})
	// one in flight plus a full queue
	for i := 0; i < queueSize+10; i++ {
		c.Failure("save", errors.New("x"))
	}
	if c.Dropped() == 0 {
		t.Fatalf("expected drops once the queue is full")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Flush = %v, want deadline", err)
	}

	c.Close()
	c.Close()
	before := c.Dropped()
	c.Failure("save", errors.New("x"))
	if c.Dropped() != before+1 {
		t.Fatalf("closed client accepted a delivery")
	}
}
