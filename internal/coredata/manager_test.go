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
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"acecoredata/internal/config"
	"acecoredata/internal/crash"
	"acecoredata/internal/model"
	"acecoredata/internal/store"
)

func peopleModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.Load(filepath.Join("..", "model", "testdata", "people.json"))
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	return m
}

type failureLog struct {
	mu   sync.Mutex
	ops  []string
	errs []error
}

func (f *failureLog) handle(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	f.errs = append(f.errs, err)
}

func (f *failureLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

func openManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Model == nil && opts.ModelPath == "" {
		opts.Model = peopleModel(t)
	}
	m, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func wait(t *testing.T, f *Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("future did not finish")
	}
	return err
}

func TestInsertInBatchBecomesVisibleInMain(t *testing.T) {
	fl := &failureLog{}
	m := openManager(t, Options{OnFailure: fl.handle})

	var mu sync.Mutex
	var seen []Changes
	m.Observe(func(ch Changes) {
		mu.Lock()
		seen = append(seen, ch)
		mu.Unlock()
	})

	w := m.BeginUpdates()
	if _, err := w.Insert("Person", map[string]any{"id": "42", "name": "Ada", "age": 36}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := wait(t, m.EndUpdates()); err != nil {
		t.Fatalf("EndUpdates: %v", err)
	}

	obj, err := m.MainContext().FetchByUniqueID("Person", "42")
	if err != nil || obj == nil {
		t.Fatalf("FetchByUniqueID = %v, %v", obj, err)
	}
	if obj.Get("name") != "Ada" || obj.Get("age") != int64(36) || obj.Get("active") != true {
		t.Fatalf("unexpected values: %#v", obj.Values())
	}
	all, _ := m.MainContext().FetchAll("Person")
	if len(all) != 1 {
		t.Fatalf("main sees %d people, want 1", len(all))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || len(seen[0].Inserted) != 1 || seen[0].Inserted[0] != obj.ID() || !seen[0].Touches("Person") {
		t.Fatalf("unexpected notifications: %+v", seen)
	}
	if fl.count() != 0 {
		t.Fatalf("unexpected failures: %v", fl.errs)
	}
	if m.UpdateState() != StateIdle {
		t.Fatalf("state = %s", m.UpdateState())
	}
}

func TestFailedBatchLeavesNothingVisible(t *testing.T) {
	fl := &failureLog{}
	m := openManager(t, Options{OnFailure: fl.handle})
	var stateDuringFailure UpdateState
	m.opts.OnFailure = func(op string, err error) {
		stateDuringFailure = m.UpdateState()
		fl.handle(op, err)
	}

	w := m.BeginUpdates()
	if _, err := w.Insert("Person", map[string]any{"id": "1", "name": "Ada"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := w.Insert("Person", map[string]any{"id": "2"}); err != nil { // name missing
		t.Fatalf("Insert: %v", err)
	}
	err := wait(t, m.EndUpdates())
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	if n, _ := m.MainContext().Count("Person"); n != 0 {
		t.Fatalf("main sees %d people after failed batch", n)
	}
	if n, _ := m.Store().Count(context.Background(), "Person"); n != 0 {
		t.Fatalf("store holds %d people after failed batch", n)
	}
	if m.Store().Writes() != 0 {
		t.Fatalf("failed batch counted as a write")
	}
	if fl.count() != 1 || fl.ops[0] != "endUpdates" {
		t.Fatalf("failure reported %d times: %v", fl.count(), fl.ops)
	}
	if stateDuringFailure != StateAborting {
		t.Fatalf("state during failure = %s", stateDuringFailure)
	}
	if m.UpdateState() != StateIdle {
		t.Fatalf("state after failure = %s", m.UpdateState())
	}
	if _, err := w.Insert("Person", map[string]any{"id": "3", "name": "x"}); !errors.Is(err, ErrReleased) {
		t.Fatalf("batch context should be released, got %v", err)
	}
}

func TestSaveWithoutChangesDoesNotWrite(t *testing.T) {
	fl := &failureLog{}
	m := openManager(t, Options{OnFailure: fl.handle})
	if err := wait(t, m.SaveContext()); err != nil {
		t.Fatalf("SaveContext: %v", err)
	}
	w := m.NewWorkerContext()
	defer w.Release()
	if err := wait(t, w.Save()); err != nil {
		t.Fatalf("worker Save: %v", err)
	}
	called := make(chan error, 1)
	if err := wait(t, m.PerformOperation(func(*Context) error { return nil }, func(err error) { called <- err })); err != nil {
		t.Fatalf("PerformOperation: %v", err)
	}
	if err := <-called; err != nil {
		t.Fatalf("completion err: %v", err)
	}
	m.BeginUpdates()
	if err := wait(t, m.EndUpdates()); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if m.Store().Writes() != 0 {
		t.Fatalf("Writes = %d, want 0", m.Store().Writes())
	}
	if fl.count() != 0 {
		t.Fatalf("failure handler called: %v", fl.errs)
	}
}

func TestNestedBatchesCommitOnce(t *testing.T) {
	m := openManager(t, Options{})
	var mu sync.Mutex
	notes := 0
	m.Observe(func(Changes) { mu.Lock(); notes++; mu.Unlock() })

	for depth := 1; depth <= 5; depth++ {
		before := m.Store().Writes()
		var w *Context
		for i := 0; i < depth; i++ {
			c := m.BeginUpdates()
			if w != nil && c != w {
				t.Fatalf("nested BeginUpdates returned a different context")
			}
			w = c
			if _, err := c.Insert("Note", map[string]any{"text": "n"}); err != nil {
				t.Fatalf("Insert: %v", err)
			}
		}
		if m.BatchDepth() != depth {
			t.Fatalf("depth = %d, want %d", m.BatchDepth(), depth)
		}
		for i := depth; i > 1; i-- {
			if err := wait(t, m.EndUpdates()); err != nil {
				t.Fatalf("inner EndUpdates: %v", err)
			}
			if m.Store().Writes() != before {
				t.Fatalf("inner EndUpdates wrote at depth %d", i)
			}
		}
		if err := wait(t, m.EndUpdates()); err != nil {
			t.Fatalf("outer EndUpdates: %v", err)
		}
		if got := m.Store().Writes() - before; got != 1 {
			t.Fatalf("depth %d: %d writes, want 1", depth, got)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if notes != 5 {
		t.Fatalf("notifications = %d, want 5", notes)
	}
	if n, _ := m.MainContext().Count("Note"); n != 15 {
		t.Fatalf("notes = %d, want 15", n)
	}
}

func TestUnbalancedEndAndCancel(t *testing.T) {
	fl := &failureLog{}
	m := openManager(t, Options{OnFailure: fl.handle})
	if err := wait(t, m.EndUpdates()); !errors.Is(err, ErrNotInBatch) {
		t.Fatalf("expected ErrNotInBatch, got %v", err)
	}
	if fl.count() != 1 {
		t.Fatalf("unbalanced EndUpdates should be reported once")
	}
	if err := m.CancelUpdates(); !errors.Is(err, ErrNotInBatch) {
		t.Fatalf("expected ErrNotInBatch, got %v", err)
	}

	w := m.BeginUpdates()
	m.BeginUpdates()
	if _, err := w.Insert("Note", map[string]any{"text": "discard me"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.CancelUpdates(); err != nil {
		t.Fatalf("CancelUpdates: %v", err)
	}
	if m.BatchDepth() != 0 || m.UpdateState() != StateIdle {
		t.Fatalf("batch not reset: depth=%d state=%s", m.BatchDepth(), m.UpdateState())
	}
	if m.Store().Writes() != 0 {
		t.Fatalf("cancelled batch was written")
	}
	if _, err := w.FetchAll("Note"); !errors.Is(err, ErrReleased) {
		t.Fatalf("cancelled context should be released, got %v", err)
	}
}

func TestPerformOperationCompletesAfterMerge(t *testing.T) {
	m := openManager(t, Options{})
	type result struct {
		obj *Object
		err error
	}
	got := make(chan result, 1)
	f := m.PerformOperation(func(w *Context) error {
		_, err := w.Insert("Person", map[string]any{"id": "7", "name": "Grace"})
		return err
	}, func(err error) {
		if err != nil {
			got <- result{err: err}
			return
		}
		obj, ferr := m.MainContext().FetchByUniqueID("Person", "7")
		got <- result{obj: obj, err: ferr}
	})
	if err := wait(t, f); err != nil {
		t.Fatalf("PerformOperation: %v", err)
	}
	select {
	case r := <-got:
		if r.err != nil || r.obj == nil || r.obj.Get("name") != "Grace" {
			t.Fatalf("completion saw %+v", r)
		}
	default:
		t.Fatalf("completion did not run before the future resolved")
	}
}

func TestPerformOperationActionErrorAndPanic(t *testing.T) {
	crash.SetReportDir(t.TempDir())
	defer crash.SetReportDir("")
	fl := &failureLog{}
	m := openManager(t, Options{OnFailure: fl.handle})

	boom := errors.New("boom")
	var completionErr error
	err := wait(t, m.PerformOperation(func(w *Context) error {
		_, _ = w.Insert("Note", map[string]any{"text": "never saved"})
		return boom
	}, func(err error) { completionErr = err }))
	if !errors.Is(err, boom) || !errors.Is(completionErr, boom) {
		t.Fatalf("action error not propagated: %v / %v", err, completionErr)
	}

	err = wait(t, m.PerformOperation(func(*Context) error { panic("kaboom") }, nil))
	var pe *crash.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if fl.count() != 2 {
		t.Fatalf("failures = %d, want 2", fl.count())
	}
	if m.Store().Writes() != 0 {
		t.Fatalf("failed operations must not write")
	}
}

func TestConcurrentWorkerSavesKeepBothChanges(t *testing.T) {
	m := openManager(t, Options{})
	w := m.NewWorkerContext()
	if _, err := w.Insert("Person", map[string]any{"id": "1", "name": "Ada"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := wait(t, w.Save()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	w.Release()

	edits := []map[string]any{
		{"age": 36, "name": "Ada L."},
		{"team": "engines", "name": "Ada Lovelace"},
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(edits))
	for _, e := range edits {
		wg.Add(1)
		go func(vals map[string]any) {
			defer wg.Done()
			c := m.NewWorkerContext()
			defer c.Release()
			obj, err := c.FetchByUniqueID("Person", "1")
			if err != nil || obj == nil {
				errs <- errors.New("person not found")
				return
			}
			if err := obj.SetValues(vals); err != nil {
				errs <- err
				return
			}
			errs <- wait(t, c.Save())
		}(e)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent save: %v", err)
		}
	}

	// let the main queue finish merging
	if err := m.PerformAndWait(context.Background(), func(*Context) error { return nil }); err != nil {
		t.Fatalf("PerformAndWait: %v", err)
	}
	obj, _ := m.MainContext().FetchByUniqueID("Person", "1")
	rec, _, _ := m.Store().GetByKey(context.Background(), "Person", "1")
	if obj.Get("age") != int64(36) || obj.Get("team") != "engines" {
		t.Fatalf("lost a change: %#v", obj.Values())
	}
	if obj.Get("name") != rec.Values["name"] {
		t.Fatalf("main (%v) and store (%v) disagree on the last writer", obj.Get("name"), rec.Values["name"])
	}
}

func TestDuplicateUniqueInsertIsRejected(t *testing.T) {
	fl := &failureLog{}
	m := openManager(t, Options{OnFailure: fl.handle})
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, name := range []string{"first", "second"} {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			results <- wait(t, m.PerformOperation(func(w *Context) error {
				_, err := w.Insert("Person", map[string]any{"id": "7", "name": n})
				return err
			}, nil))
		}(name)
	}
	wg.Wait()
	close(results)
	ok, dup := 0, 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrUniqueViolation):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Fatalf("ok=%d dup=%d", ok, dup)
	}
	if n, _ := m.MainContext().Count("Person"); n != 1 {
		t.Fatalf("main sees %d people, want 1", n)
	}
	if obj, _ := m.MainContext().FetchByUniqueID("Person", "7"); obj == nil {
		t.Fatalf("expected one person with id 7")
	}
	if fl.count() != 1 {
		t.Fatalf("failures = %d, want 1", fl.count())
	}
}

func TestResolveAcrossContexts(t *testing.T) {
	m := openManager(t, Options{Foreground: true})
	w := m.NewWorkerContext()
	defer w.Release()
	obj, _ := w.Insert("Person", map[string]any{"id": "9", "name": "Hopper"})
	if err := wait(t, w.Save()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	main := m.MainContext()
	local, err := main.Resolve(obj)
	if err != nil || local == nil || local == obj || local.Context() != main {
		t.Fatalf("Resolve = %v, %v", local, err)
	}
	if err := w.Delete(local); !errors.Is(err, ErrForeignObject) {
		t.Fatalf("expected ErrForeignObject, got %v", err)
	}

	if err := main.Delete(local); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := wait(t, m.SaveContext()); err != nil {
		t.Fatalf("SaveContext: %v", err)
	}
	other := m.NewWorkerContext()
	defer other.Release()
	gone, err := other.Resolve(obj)
	if err != nil || gone != nil {
		t.Fatalf("resolving a deleted object = %v, %v; want nil, nil", gone, err)
	}
	// the worker that still holds its copy drops it on the next fetch
	if n, _ := w.Count("Person"); n != 0 {
		t.Fatalf("stale copy still visible")
	}
}

func TestForegroundSaveRunsInline(t *testing.T) {
	m := openManager(t, Options{})
	m.SetUseBackgroundWriter(false)
	if m.UseBackgroundWriter() {
		t.Fatalf("background writer still on")
	}
	notified := false
	m.Observe(func(Changes) { notified = true })
	if _, err := m.MainContext().Insert("Note", map[string]any{"text": "inline"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	f := m.SaveContext()
	select {
	case <-f.Done():
	default:
		t.Fatalf("foreground save returned before finishing")
	}
	if f.Err() != nil || !notified {
		t.Fatalf("err=%v notified=%v", f.Err(), notified)
	}
	if m.MainContext().HasChanges() {
		t.Fatalf("main still has changes after save")
	}
}

func TestMergePolicies(t *testing.T) {
	for _, tc := range []struct {
		policy   MergePolicy
		wantName string
		pending  bool
	}{
		{MergeIncomingWins, "from worker", false},
		{MergeLocalWins, "from main", true},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			m := openManager(t, Options{Foreground: true, MergePolicy: tc.policy})
			main := m.MainContext()
			if _, err := main.Insert("Person", map[string]any{"id": "1", "name": "orig"}); err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if err := wait(t, m.SaveContext()); err != nil {
				t.Fatalf("SaveContext: %v", err)
			}
			mine, _ := main.FetchByUniqueID("Person", "1")
			if err := mine.Set("name", "from main"); err != nil {
				t.Fatalf("Set: %v", err)
			}

			w := m.NewWorkerContext()
			defer w.Release()
			theirs, _ := w.FetchByUniqueID("Person", "1")
			_ = theirs.Set("name", "from worker")
			_ = theirs.Set("team", "ops")
			if err := wait(t, w.Save()); err != nil {
				t.Fatalf("worker Save: %v", err)
			}

			if got := mine.Get("name"); got != tc.wantName {
				t.Fatalf("name = %v, want %v", got, tc.wantName)
			}
			if mine.Get("team") != "ops" {
				t.Fatalf("non-conflicting field not merged")
			}
			if main.HasChanges() != tc.pending {
				t.Fatalf("HasChanges = %v, want %v", main.HasChanges(), tc.pending)
			}
		})
	}
}

func TestFailureWithoutHandlerIsRecorded(t *testing.T) {
	m := openManager(t, Options{Foreground: true})
	if _, err := m.MainContext().Insert("Note", map[string]any{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := wait(t, m.SaveContext()); err == nil {
		t.Fatalf("expected validation failure")
	}
	fs := m.Failures()
	if len(fs) != 1 || fs[0].Op != "saveContext" {
		t.Fatalf("recorded failures: %+v", fs)
	}
	if m.MainContext().HasChanges() {
		t.Fatalf("failed changes should be discarded")
	}
}

func TestRollbackRestoresCommittedValues(t *testing.T) {
	m := openManager(t, Options{Foreground: true})
	main := m.MainContext()
	p, _ := main.Insert("Person", map[string]any{"id": "1", "name": "Ada"})
	if err := wait(t, m.SaveContext()); err != nil {
		t.Fatalf("SaveContext: %v", err)
	}
	_ = p.Set("name", "changed")
	extra, _ := main.Insert("Person", map[string]any{"id": "2", "name": "Temp"})
	if !main.HasChanges() {
		t.Fatalf("expected pending changes")
	}
	main.Rollback()
	if p.Get("name") != "Ada" || !extra.IsDeleted() || main.HasChanges() {
		t.Fatalf("rollback incomplete: name=%v extraDeleted=%v", p.Get("name"), extra.IsDeleted())
	}
}

func TestContextHelpers(t *testing.T) {
	m := openManager(t, Options{Foreground: true})
	c := m.NewWorkerContext()
	defer c.Release()

	if _, ok := c.Entity("Person"); !ok {
		t.Fatalf("Person entity missing")
	}
	if a, ok := c.IndexedAttribute("Person"); !ok || a.Name != "id" {
		t.Fatalf("IndexedAttribute = %+v, %v", a, ok)
	}
	if _, err := c.FetchByUniqueID("Note", "x"); !errors.Is(err, ErrNoIndexedAttribute) {
		t.Fatalf("expected ErrNoIndexedAttribute, got %v", err)
	}

	for i, n := range []struct {
		id   string
		name string
		age  int
	}{{"a", "Carol", 30}, {"b", "Alice", 40}, {"c", "Bob", 30}} {
		if _, err := c.Insert("Person", map[string]any{"id": n.id, "name": n.name, "age": n.age}); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	got, err := c.FetchAll("Person", Asc("age"), Desc("name"))
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	var names []string
	for _, o := range got {
		names = append(names, o.Get("name").(string))
	}
	if len(names) != 3 || names[0] != "Carol" || names[1] != "Bob" || names[2] != "Alice" {
		t.Fatalf("order = %v", names)
	}

	existing, created, err := c.InsertOrFetch("Person", map[string]any{"id": "b", "name": "ignored"})
	if err != nil || created || existing.Get("name") != "Alice" {
		t.Fatalf("InsertOrFetch existing = %v created=%v err=%v", existing, created, err)
	}
	fresh, created, err := c.InsertOrFetch("Person", map[string]any{"id": "d", "name": "Dan"})
	if err != nil || !created || fresh == nil {
		t.Fatalf("InsertOrFetch new = %v created=%v err=%v", fresh, created, err)
	}
	if err := wait(t, c.Save()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	young, err := c.Fetch(FetchRequest{
		Entity: "Person",
		Where:  func(_ ObjectID, v map[string]any) (bool, error) { return v["age"] == int64(30), nil },
		Sort:   []Sort{Asc("name")},
		Limit:  1,
	})
	if err != nil || len(young) != 1 || young[0].Get("name") != "Bob" {
		t.Fatalf("Fetch = %v, %v", young, err)
	}

	n, err := c.DeleteAll("Person")
	if err != nil || n != 4 {
		t.Fatalf("DeleteAll = %d, %v", n, err)
	}
	if err := wait(t, c.Save()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if cnt, _ := m.MainContext().Count("Person"); cnt != 0 {
		t.Fatalf("main still sees %d people", cnt)
	}
}

func TestParseHelpers(t *testing.T) {
	s, err := ParseSort("name:desc")
	if err != nil || s != Desc("name") || s.String() != "name:desc" {
		t.Fatalf("ParseSort = %+v, %v", s, err)
	}
	if _, err := ParseSort(":asc"); err == nil {
		t.Fatalf("empty key should fail")
	}
	if _, err := ParseSort("a:sideways"); err == nil {
		t.Fatalf("bad direction should fail")
	}
	if p, err := ParseMergePolicy("LOCAL"); err != nil || p != MergeLocalWins {
		t.Fatalf("ParseMergePolicy = %v, %v", p, err)
	}
	if _, err := ParseMergePolicy("newest"); err == nil {
		t.Fatalf("unknown policy should fail")
	}
}

func TestOpenReportsConfigErrors(t *testing.T) {
	fl := &failureLog{}
	_, err := Open(context.Background(), Options{OnFailure: fl.handle})
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Field != "model" {
		t.Fatalf("expected model ConfigError, got %v", err)
	}
	_, err = Open(context.Background(), Options{Model: peopleModel(t), Driver: "oracle", OnFailure: fl.handle})
	if !errors.As(err, &ce) || ce.Field != "store" {
		t.Fatalf("expected store ConfigError, got %v", err)
	}
	if fl.count() != 2 {
		t.Fatalf("OnFailure called %d times, want 2", fl.count())
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.ModelPath = filepath.Join("..", "model", "testdata", "people.json")
	cfg.Store.StorePath = filepath.Join(t.TempDir(), "people.db")
	cfg.Store.MergePolicy = "local"
	cfg.Store.UseBackgroundWriter = false
	opts, err := OptionsFromConfig(cfg.Store, cfg.Diagnostics, "")
	if err != nil {
		t.Fatalf("OptionsFromConfig: %v", err)
	}
	if !opts.Foreground || opts.MergePolicy != MergeLocalWins || opts.Recorder == nil {
		t.Fatalf("unexpected options: %+v", opts)
	}
	cfg.Store.MergePolicy = "newest"
	if _, err := OptionsFromConfig(cfg.Store, cfg.Diagnostics, ""); err == nil {
		t.Fatalf("bad merge policy should fail")
	}
}

func TestDeleteStoreRemovesFileAndClosedManagerFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.db")
	m, err := Open(context.Background(), Options{Model: peopleModel(t), StorePath: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := m.MainContext().Insert("Note", map[string]any{"text": "x"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := wait(t, m.SaveContext()); err != nil {
		t.Fatalf("SaveContext: %v", err)
	}
	if err := m.DeleteStore(); err != nil {
		t.Fatalf("DeleteStore: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("store file still exists: %v", err)
	}
	if _, err := m.MainContext().FetchAll("Note"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Perform(func(*Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Perform after close = %v", err)
	}
	if err := wait(t, m.SaveContext()); !errors.Is(err, ErrClosed) {
		t.Fatalf("SaveContext after close = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCompletionsCanChainManyOperations(t *testing.T) {
	for _, size := range []int{1, defaultQueueSize} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			m := openManager(t, Options{QueueSize: size})
			n := 3 * size
			var wg sync.WaitGroup
			var failed atomic.Int64
			wg.Add(n)
			note := func(text string) func(*Context) error {
				return func(w *Context) error {
					_, err := w.Insert("Note", map[string]any{"text": text})
					return err
				}
			}
			first := m.PerformOperation(note("first"), func(err error) {
				for i := 0; i < n; i++ {
					m.PerformOperation(note("chained"), func(err error) {
						if err != nil {
							failed.Add(1)
						}
						wg.Done()
					})
				}
			})
			if err := wait(t, first); err != nil {
				t.Fatalf("first operation: %v", err)
			}
			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatalf("chained operations never completed")
			}
			if failed.Load() != 0 {
				t.Fatalf("%d chained operations failed", failed.Load())
			}
			if got, _ := m.Store().Count(context.Background(), "Note"); got != n+1 {
				t.Fatalf("store holds %d notes, want %d", got, n+1)
			}
		})
	}
}

func TestObjectWithIDDropsCopyDeletedElsewhere(t *testing.T) {
	m := openManager(t, Options{Foreground: true})
	seed := m.NewWorkerContext()
	seed.Insert("Person", map[string]any{"id": "5", "name": "Lovelace"})
	seed.Insert("Person", map[string]any{"id": "6", "name": "Turing"})
	if err := wait(t, seed.Save()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seed.Release()

	a := m.NewWorkerContext()
	defer a.Release()
	p5, err := a.FetchByUniqueID("Person", "5")
	if err != nil || p5 == nil {
		t.Fatalf("FetchByUniqueID = %v, %v", p5, err)
	}
	p6, _ := a.FetchByUniqueID("Person", "6")

	b := m.NewWorkerContext()
	defer b.Release()
	theirs, _ := b.ObjectWithID(p5.ID())
	if err := b.Delete(theirs); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	other, _ := b.ObjectWithID(p6.ID())
	if err := other.Set("name", "Alan"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := wait(t, b.Save()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if got, err := a.ObjectWithID(p5.ID()); err != nil || got != nil {
		t.Fatalf("ObjectWithID after delete = %v, %v; want nil, nil", got, err)
	}
	if got, err := a.Resolve(p5); err != nil || got != nil {
		t.Fatalf("Resolve after delete = %v, %v; want nil, nil", got, err)
	}
	got, err := a.ObjectWithID(p6.ID())
	if err != nil || got != p6 || got.Get("name") != "Alan" {
		t.Fatalf("ObjectWithID of updated object = %v (%v), %v", got, got.Get("name"), err)
	}

	// a local edit keeps the copy until it is saved
	if err := p6.Set("name", "A. M. Turing"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Store().Apply(context.Background(), store.ChangeSet{Deleted: []store.Record{{ID: string(p6.ID()), Entity: "Person"}}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, _ := a.ObjectWithID(p6.ID()); got != p6 {
		t.Fatalf("edited object dropped before save")
	}
}

func TestFailedBatchDoesNotAbortTheNextOne(t *testing.T) {
	m := openManager(t, Options{})
	var stateDuringFailure UpdateState
	m.opts.OnFailure = func(string, error) { stateDuringFailure = m.UpdateState() }

	// hold the main queue so the failed commit finishes after the next batch opens
	release := make(chan struct{})
	if err := m.Perform(func(*Context) { <-release }); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	w := m.BeginUpdates()
	if _, err := w.Insert("Person", map[string]any{"id": "1"}); err != nil { // name missing
		t.Fatalf("Insert: %v", err)
	}
	failed := m.EndUpdates()
	next := m.BeginUpdates()
	if next == w {
		t.Fatalf("new batch reused the committing context")
	}
	close(release)

	if err := wait(t, failed); err == nil {
		t.Fatalf("expected the first batch to fail")
	}
	if stateDuringFailure != StateInBatch {
		t.Fatalf("state during failure = %s, want in-batch", stateDuringFailure)
	}
	if m.UpdateState() != StateInBatch || m.BatchDepth() != 1 {
		t.Fatalf("state = %s depth = %d", m.UpdateState(), m.BatchDepth())
	}
	if _, err := next.Insert("Person", map[string]any{"id": "2", "name": "Ada"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := wait(t, m.EndUpdates()); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if m.UpdateState() != StateIdle {
		t.Fatalf("state after second batch = %s", m.UpdateState())
	}
}
