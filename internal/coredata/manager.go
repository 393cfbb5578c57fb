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
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"acecoredata/internal/config"
	"acecoredata/internal/crash"
	applog "acecoredata/internal/log"
	"acecoredata/internal/model"
	"acecoredata/internal/store"
	"acecoredata/internal/telemetry"
)

const (
	defaultQueueSize    = 64
	defaultKeepFailures = 32
)

// Options configures a Manager.
type Options struct {
	// Model is used as is when set; otherwise ModelPath is loaded.
	Model     *model.Model
	ModelPath string
	// StorePath is the SQLite file; empty means an in-memory store.
	StorePath string
	Driver    string
	DSN       string
	// Foreground runs writes inline on the caller instead of on the writer goroutine.
	Foreground  bool
	MergePolicy MergePolicy
	// QueueSize is the initial capacity of the writer and main queues.
	// Both grow as needed; a push never blocks.
	QueueSize int
	// OnFailure is called exactly once per failed operation.
	OnFailure func(op string, err error)
	// Recorder keeps recent failures; one is created when nil.
	Recorder  *telemetry.Recorder
	Telemetry *telemetry.Client
}

// OptionsFromConfig maps the user configuration onto Options.
// password is merged into the DSN for the pgx driver.
func OptionsFromConfig(sc config.StoreConfig, dc config.DiagnosticsConfig, password string) (Options, error) {
	if err := sc.Validate(); err != nil {
		return Options{}, &ConfigError{Field: "store", Err: err}
	}
	policy, err := ParseMergePolicy(sc.MergePolicy)
	if err != nil {
		return Options{}, &ConfigError{Field: "merge_policy", Err: err}
	}
	dsn := sc.DSN
	if sc.Driver == store.DriverPgx && password != "" {
		dsn = config.DSNWithPassword(dsn, password)
	}
	keep := dc.KeepFailures
	if keep <= 0 {
		keep = defaultKeepFailures
	}
	return Options{
		ModelPath:   sc.ModelPath,
		StorePath:   sc.StorePath,
		Driver:      sc.Driver,
		DSN:         dsn,
		Foreground:  !sc.UseBackgroundWriter,
		MergePolicy: policy,
		QueueSize:   sc.QueueSize,
		Recorder:    telemetry.NewRecorder(keep),
	}, nil
}

type writeJob struct {
	cs   store.ChangeSet
	done func(error)
}

// Manager owns the store, the main context and the goroutines that write
// and merge. Create it with Open and stop it with Close.
type Manager struct {
	opts   Options
	model  *model.Model
	store  *store.Store
	log    *slog.Logger
	policy MergePolicy

	background atomic.Bool
	closed     atomic.Bool

	main *Context

	writeQ     *fifo[writeJob]
	mainQ      *fifo[func()]
	writerDone chan struct{}
	group      *errgroup.Group
	closeOnce  sync.Once
	closeErr   error
	workers    atomic.Int64

	obsMu     sync.Mutex
	observers map[int]func(Changes)
	nextObs   int

	batchMu sync.Mutex
	batch   *Context
	depth   int
	state   UpdateState

	recorder *telemetry.Recorder
}

// Open loads the model, opens the store and starts the writer and main queue.
// Configuration problems are returned as *ConfigError and also passed to OnFailure.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	l := applog.WithOperation(applog.WithComponent("coredata"), "open")
	m := opts.Model
	if m == nil {
		var err error
		if strings.TrimSpace(opts.ModelPath) == "" {
			err = errors.New("no model location configured")
		} else {
			m, err = model.Load(opts.ModelPath)
		}
		if err != nil {
			cerr := &ConfigError{Field: "model", Err: err}
			reportOpen(l, opts, cerr)
			return nil, cerr
		}
	}
	st, err := store.Open(ctx, m, store.Options{Driver: opts.Driver, Path: opts.StorePath, DSN: opts.DSN})
	if err != nil {
		cerr := &ConfigError{Field: "store", Err: err}
		reportOpen(l, opts, cerr)
		return nil, cerr
	}
	return newManager(st, opts), nil
}

func reportOpen(l *slog.Logger, opts Options, err error) {
	l.Error("open failed", slog.Any("err", err))
	if opts.OnFailure != nil {
		_ = crash.Guard("open.onFailure", func() error { opts.OnFailure("open", err); return nil })
	}
}

func newManager(st *store.Store, opts Options) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	mgr := &Manager{
		opts:       opts,
		model:      st.Model(),
		store:      st,
		log:        applog.WithComponent("coredata"),
		policy:     opts.MergePolicy,
		writeQ:     newFIFO[writeJob](opts.QueueSize),
		mainQ:      newFIFO[func()](opts.QueueSize),
		writerDone: make(chan struct{}),
		observers:  make(map[int]func(Changes)),
		recorder:   opts.Recorder,
	}
	if mgr.recorder == nil {
		mgr.recorder = telemetry.NewRecorder(defaultKeepFailures)
	}
	mgr.background.Store(!opts.Foreground)
	mgr.main = newContext(mgr, KindMain, "main")

	g := new(errgroup.Group)
	g.Go(mgr.writerLoop)
	g.Go(mgr.mainLoop)
	mgr.group = g

	mgr.log.Info("manager ready",
		slog.Bool("background_writer", !opts.Foreground),
		slog.String("merge_policy", opts.MergePolicy.String()),
		slog.String("store", displayStore(st.Path())),
	)
	return mgr
}

func displayStore(p string) string {
	if p == "" {
		return ":memory:"
	}
	return p
}

// MainContext returns the long-lived main context.
func (m *Manager) MainContext() *Context { return m.main }

// NewWorkerContext returns a fresh worker whose saves merge into the main context.
// The caller owns it and should Release it when done.
func (m *Manager) NewWorkerContext() *Context {
	n := m.workers.Add(1)
	return newContext(m, KindWorker, "worker-"+strconv.FormatInt(n, 10))
}

// Model returns the entity model.
func (m *Manager) Model() *model.Model { return m.model }

// Store returns the storage handle.
func (m *Manager) Store() *store.Store { return m.store }

// UseBackgroundWriter reports whether writes run on the writer goroutine.
func (m *Manager) UseBackgroundWriter() bool { return m.background.Load() }

// SetUseBackgroundWriter switches between background and inline writes.
// Saves already queued still complete on the writer.
func (m *Manager) SetUseBackgroundWriter(on bool) { m.background.Store(on) }

// MergePolicy returns the configured merge policy.
func (m *Manager) MergePolicy() MergePolicy { return m.policy }

// Failures returns the recently recorded failures.
func (m *Manager) Failures() []telemetry.Failure { return m.recorder.Failures() }

// SaveContext saves the main context.
func (m *Manager) SaveContext() *Future { return m.save(m.main, "saveContext", nil) }

// Observe registers fn for every saved change that reaches the main context.
// fn runs on the main queue, or inline in foreground mode. The returned
// function unregisters it.
func (m *Manager) Observe(fn func(Changes)) (cancel func()) {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

func (m *Manager) notify(ch Changes) {
	m.obsMu.Lock()
	fns := make([]func(Changes), 0, len(m.observers))
	// registration order
	for i := 0; i < m.nextObs; i++ {
		if fn, ok := m.observers[i]; ok {
			fns = append(fns, fn)
		}
	}
	m.obsMu.Unlock()
	for _, fn := range fns {
		if err := crash.Guard("observe", func() error { fn(ch); return nil }); err != nil {
			m.log.Error("observer failed", slog.Any("err", err))
		}
	}
}

// Perform queues fn to run on the main queue with the main context.
func (m *Manager) Perform(fn func(main *Context)) error {
	if m.closed.Load() {
		return ErrClosed
	}
	ok := m.mainQ.push(func() {
		if err := crash.Guard("perform", func() error { fn(m.main); return nil }); err != nil {
			m.fail("perform", err)
		}
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

// PerformAndWait runs fn on the main queue and waits for it.
// It must not be called from the main queue itself.
func (m *Manager) PerformAndWait(ctx context.Context, fn func(main *Context) error) error {
	done := make(chan error, 1)
	if m.closed.Load() {
		return ErrClosed
	}
	ok := m.mainQ.push(func() {
		done <- crash.Guard("performAndWait", func() error { return fn(m.main) })
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) mainLoop() error {
	for {
		fn, ok := m.mainQ.pop()
		if !ok {
			return nil
		}
		fn()
	}
}

func (m *Manager) writerLoop() error {
	defer close(m.writerDone)
	for {
		job, ok := m.writeQ.pop()
		if !ok {
			return nil
		}
		err := m.store.Apply(context.Background(), job.cs)
		done := job.done
		m.mainQ.push(func() { done(err) })
	}
}

// save writes c's pending changes. An empty context succeeds at once without a write.
func (m *Manager) save(c *Context, op string, after func(error)) *Future {
	f := newFuture()
	ps, err := c.take()
	if err != nil {
		m.fail(op, err)
		m.complete(op, after, err)
		f.resolve(err)
		return f
	}
	if ps.cs.Empty() {
		m.complete(op, after, nil)
		f.resolve(nil)
		return f
	}
	start := time.Now()
	finish := func(err error) {
		m.finish(c, ps, op, err, after, f)
		m.log.Debug("save finished",
			slog.String("op", op),
			slog.String("context", c.name),
			slog.Int("changes", ps.cs.Len()),
			slog.Duration("took", time.Since(start)),
			slog.Bool("ok", err == nil),
		)
	}
	if m.background.Load() {
		if !m.closed.Load() && m.writeQ.push(writeJob{cs: ps.cs, done: finish}) {
			return f
		}
		finish(ErrClosed)
		return f
	}
	finish(m.store.Apply(context.Background(), ps.cs))
	return f
}

func (m *Manager) finish(c *Context, ps *pendingSave, op string, err error, after func(error), f *Future) {
	if err != nil {
		if c.batch {
			m.batchMu.Lock()
			// a batch opened while this one was committing keeps its state
			if m.depth == 0 {
				m.state = StateAborting
			}
			m.batchMu.Unlock()
		}
		c.abort(ps)
		m.fail(op, err)
	} else {
		c.commit(ps)
		if c.kind == KindWorker {
			m.main.merge(ps.cs, m.policy)
		}
		m.notify(changesOf(c.kind, ps.cs))
	}
	m.complete(op, after, err)
	f.resolve(err)
}

func (m *Manager) complete(op string, after func(error), err error) {
	if after == nil {
		return
	}
	if perr := crash.Guard(op+".completion", func() error { after(err); return nil }); perr != nil {
		m.log.Error("completion failed", slog.String("op", op), slog.Any("err", perr))
	}
}

// fail reports a failed operation once: to OnFailure when set, otherwise to
// the log. Every failure is kept by the recorder.
func (m *Manager) fail(op string, err error) {
	m.opts.Telemetry.Failure(op, err)
	m.recorder.Record(op, err)
	if m.opts.OnFailure != nil {
		if perr := crash.Guard(op+".onFailure", func() error { m.opts.OnFailure(op, err); return nil }); perr != nil {
			m.log.Error("failure handler panicked", slog.String("op", op), slog.Any("err", perr))
		}
		return
	}
	m.log.Warn("operation failed", slog.String("op", op), slog.Any("err", err))
}

// Close drains queued writes and merges, then closes the store. Do not call
// it from the main queue.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.batchMu.Lock()
		if m.batch != nil {
			m.batch.Release()
			m.batch = nil
			m.depth = 0
			m.state = StateIdle
		}
		m.batchMu.Unlock()

		m.closed.Store(true)
		m.writeQ.close()
		<-m.writerDone
		m.mainQ.close()
		_ = m.group.Wait()
		m.closeErr = m.store.Close()
		m.log.Info("manager closed", slog.Int("failures", m.recorder.Total()))
	})
	return m.closeErr
}

// DeleteStore closes the manager and removes the store's files.
func (m *Manager) DeleteStore() error {
	if err := m.Close(); err != nil {
		return err
	}
	return m.store.Destroy()
}
