/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package telemetry reports operation failures and crash reports to an
// opt-in HTTP endpoint, and keeps the most recent failures in process for
// diagnostics (see Recorder).
//
// Nothing is sent unless the user opted in and an endpoint is configured.
// Failure events carry the operation name and the Go type of the error, never
// the error message, which may hold stored values.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	applog "acecoredata/internal/log"
	"acecoredata/internal/version"
)

const (
	defaultTimeout = 1500 * time.Millisecond
	queueSize      = 64
	maxRetries     = 2
)

// Config selects the endpoints. The zero value sends nothing.
//
// FromEnv reads:
//   - ACD_TELEMETRY_OPT_IN: 1, true, yes or on
//   - ACD_TELEMETRY_URL: endpoint for failure events
//   - ACD_CRASH_UPLOAD_URL: endpoint for crash reports
//   - ACD_TELEMETRY_TIMEOUT_MS: per request timeout
//   - ACD_TELEMETRY_DEBUG: log every delivery attempt
type Config struct {
	OptIn     bool
	EventsURL string
	CrashURL  string
	Timeout   time.Duration
	Debug     bool
}

// FromEnv builds a Config from the environment.
func FromEnv() Config {
	cfg := Config{
		OptIn:     parseBool(os.Getenv("ACD_TELEMETRY_OPT_IN")),
		EventsURL: strings.TrimSpace(os.Getenv("ACD_TELEMETRY_URL")),
		CrashURL:  strings.TrimSpace(os.Getenv("ACD_CRASH_UPLOAD_URL")),
		Timeout:   defaultTimeout,
		Debug:     os.Getenv("ACD_TELEMETRY_DEBUG") != "",
	}
	if ms, err := strconv.Atoi(strings.TrimSpace(os.Getenv("ACD_TELEMETRY_TIMEOUT_MS"))); err == nil && ms > 0 {
		cfg.Timeout = time.Duration(ms) * time.Millisecond
	}
	return cfg
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Event is the JSON body posted for every reported event.
type Event struct {
	Name    string            `json:"name"`
	Time    time.Time         `json:"ts"`
	Version string            `json:"version"`
	OS      string            `json:"os"`
	Arch    string            `json:"arch"`
	Props   map[string]string `json:"props,omitempty"`
}

type delivery struct {
	url         string
	contentType string
	body        []byte
}

// Client delivers events and crash reports from one goroutine. Deliveries
// that do not fit the queue are dropped; none of the methods block on the
// network except Flush.
type Client struct {
	cfg    Config
	log    *slog.Logger
	client *http.Client

	mu     sync.RWMutex // guards closed against sends on q
	closed bool
	q      chan delivery

	pending atomic.Int64 // queued or in flight
	sent    atomic.Int64
	dropped atomic.Int64
}

// New starts a client for cfg.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		cfg:    cfg,
		log:    applog.WithComponent("telemetry"),
		client: &http.Client{Timeout: cfg.Timeout},
		q:      make(chan delivery, queueSize),
	}
	go c.loop()
	return c
}

// Enabled reports whether failure events are sent.
func (c *Client) Enabled() bool { return c != nil && c.cfg.OptIn && c.cfg.EventsURL != "" }

// CrashUploadsEnabled reports whether crash reports are sent.
func (c *Client) CrashUploadsEnabled() bool {
	return c != nil && c.cfg.OptIn && c.cfg.CrashURL != ""
}

// Sent is the number of deliveries the endpoints accepted.
func (c *Client) Sent() int64 {
	if c == nil {
		return 0
	}
	return c.sent.Load()
}

// Dropped is the number of deliveries discarded because the queue was full
// or the client closed.
func (c *Client) Dropped() int64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// Report queues an event. props must not contain user data.
func (c *Client) Report(name string, props map[string]string) {
	if !c.Enabled() || name == "" {
		return
	}
	body, err := json.Marshal(Event{
		Name:    name,
		Time:    time.Now().UTC(),
		Version: version.String(),
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		Props:   props,
	})
	if err != nil {
		c.log.Error("encode event", slog.String("event", name), slog.Any("err", err))
		return
	}
	c.enqueue(delivery{url: c.cfg.EventsURL, contentType: "application/json", body: body})
}

// Failure reports a failed operation as an "operation_failed" event.
func (c *Client) Failure(op string, err error) {
	if err == nil {
		return
	}
	c.Report("operation_failed", map[string]string{"op": op, "kind": errorKind(err)})
}

// errorKind names the innermost wrapped error's type.
func errorKind(err error) string {
	for {
		u := errors.Unwrap(err)
		if u == nil {
			return fmt.Sprintf("%T", err)
		}
		err = u
	}
}

// UploadCrash queues a written crash report. It matches crash.Uploader.
func (c *Client) UploadCrash(report []byte) {
	if !c.CrashUploadsEnabled() || len(report) == 0 {
		return
	}
	c.enqueue(delivery{
		url:         c.cfg.CrashURL,
		contentType: "text/plain; charset=utf-8",
		body:        bytes.Clone(report),
	})
}

func (c *Client) enqueue(d delivery) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return
	}
	c.pending.Add(1)
	select {
	case c.q <- d:
	default:
		c.pending.Add(-1)
		c.dropped.Add(1)
	}
}

// Flush waits until every queued delivery was attempted or ctx ends.
func (c *Client) Flush(ctx context.Context) error {
	if c == nil {
		return nil
	}
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for c.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// Close stops accepting deliveries. Queued ones are still attempted.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.q)
	}
}

func (c *Client) loop() {
	for d := range c.q {
		if err := c.deliver(d); err != nil {
			if c.cfg.Debug {
				c.log.Debug("delivery failed", slog.String("url", d.url), slog.Any("err", err))
			}
		} else {
			c.sent.Add(1)
			if c.cfg.Debug {
				c.log.Debug("delivered", slog.String("url", d.url), slog.Int("bytes", len(d.body)))
			}
		}
		c.pending.Add(-1)
	}
}

// deliver posts d, retrying transport errors and 5xx answers.
func (c *Client) deliver(d delivery) error {
	b := retry.WithMaxRetries(maxRetries, retry.NewExponential(50*time.Millisecond))
	return retry.Do(context.Background(), b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(d.body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", d.contentType)
		req.Header.Set("User-Agent", "acecoredata/"+version.String())
		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("post %s: %s", d.url, resp.Status))
		case resp.StatusCode >= 400:
			return fmt.Errorf("post %s: %s", d.url, resp.Status)
		}
		return nil
	})
}
