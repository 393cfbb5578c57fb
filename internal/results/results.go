/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package results provides ResultSet, a live, sorted and optionally sectioned
// view of one entity in a manager's main context. It refetches whenever a
// saved change reaches the main context and reports row and section changes
// to a Delegate.
package results

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"acecoredata/internal/coredata"
	applog "acecoredata/internal/log"
	"acecoredata/internal/model"
)

// Request describes what a ResultSet shows.
type Request struct {
	Entity string
	// Predicate is a CEL expression over object and id; empty shows all objects.
	Predicate string
	Sort      []coredata.Sort
	// SectionKey groups rows by the value of this attribute.
	SectionKey string
	// CacheName selects an entry in the Cache passed with WithCache.
	CacheName string
}

func (r Request) fingerprint() string {
	sorts := make([]string, len(r.Sort))
	for i, s := range r.Sort {
		sorts[i] = s.String()
	}
	return strings.Join([]string{r.Entity, r.Predicate, strings.Join(sorts, ","), r.SectionKey}, "|")
}

// IndexPath addresses one row.
type IndexPath struct {
	Section int
	Row     int
}

func (p IndexPath) String() string { return fmt.Sprintf("[%d,%d]", p.Section, p.Row) }

// Section is one group of rows.
type Section struct {
	// Name is the section key value rendered as text; "" without a section key.
	Name    string
	Key     any
	Objects []*coredata.Object
}

// Option configures a ResultSet.
type Option func(*ResultSet)

// WithDelegate sets the receiver of change events.
func WithDelegate(d Delegate) Option { return func(rs *ResultSet) { rs.delegate = d } }

// WithCache enables result caching under Request.CacheName.
func WithCache(c *Cache) Option { return func(rs *ResultSet) { rs.cache = c } }

// ResultSet is a live view over the main context.
type ResultSet struct {
	mgr  *coredata.Manager
	log  *slog.Logger
	ents *model.Entity

	mu       sync.Mutex
	req      Request
	pred     *Predicate
	sections []Section
	snap     snapshot
	fetched  bool
	delegate Delegate
	cache    *Cache
	cancel   func()
}

// New prepares a result set. Call PerformFetch to load it.
func New(mgr *coredata.Manager, req Request, opts ...Option) (*ResultSet, error) {
	e, pred, err := prepare(mgr, req)
	if err != nil {
		return nil, err
	}
	rs := &ResultSet{
		mgr:  mgr,
		log:  applog.WithComponent("results").With(slog.String("entity", req.Entity)),
		ents: e,
		req:  req,
		pred: pred,
	}
	for _, o := range opts {
		o(rs)
	}
	rs.cancel = mgr.Observe(rs.contextDidChange)
	return rs, nil
}

func prepare(mgr *coredata.Manager, req Request) (*model.Entity, *Predicate, error) {
	e, ok := mgr.Model().Entity(req.Entity)
	if !ok {
		return nil, nil, fmt.Errorf("unknown entity %q", req.Entity)
	}
	if req.SectionKey != "" {
		if _, ok := e.Attribute(req.SectionKey); !ok {
			return nil, nil, fmt.Errorf("section key %q is not an attribute of %s", req.SectionKey, req.Entity)
		}
	}
	for _, s := range req.Sort {
		if _, ok := e.Attribute(s.Key); !ok {
			return nil, nil, fmt.Errorf("sort key %q is not an attribute of %s", s.Key, req.Entity)
		}
	}
	pred, err := CompilePredicate(req.Predicate)
	if err != nil {
		return nil, nil, err
	}
	return e, pred, nil
}

// Close stops following the main context.
func (rs *ResultSet) Close() {
	if rs.cancel != nil {
		rs.cancel()
	}
}

// Request returns the current request.
func (rs *ResultSet) Request() Request {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.req
}

// PerformFetch loads the results without emitting change events.
func (rs *ResultSet) PerformFetch() error {
	rs.mu.Lock()
	req, pred, e := rs.req, rs.pred, rs.ents
	rs.mu.Unlock()

	// cached rows do not include unsaved changes of the main context
	pending := rs.mgr.MainContext().HasChanges()
	if entry, ok := rs.cache.get(req.CacheName, req.fingerprint()); ok && !pending {
		if secs, ok := rs.fromCache(entry); ok {
			rs.install(secs)
			rs.log.Debug("results served from cache", slog.String("cache", req.CacheName))
			return nil
		}
	}
	secs, err := rs.load(req, pred, e)
	if err != nil {
		return err
	}
	rs.install(secs)
	return nil
}

// SetRequest replaces the request and refetches. No change events are
// emitted; consumers should reload everything.
func (rs *ResultSet) SetRequest(req Request) error {
	e, pred, err := prepare(rs.mgr, req)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	rs.req, rs.pred, rs.ents = req, pred, e
	rs.mu.Unlock()
	return rs.PerformFetch()
}

func (rs *ResultSet) install(secs []Section) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.sections = secs
	rs.snap = takeSnapshot(secs)
	rs.fetched = true
}

func (rs *ResultSet) load(req Request, pred *Predicate, e *model.Entity) ([]Section, error) {
	objs, err := rs.mgr.MainContext().Fetch(coredata.FetchRequest{
		Entity: req.Entity,
		Sort:   req.Sort,
		Where: func(id coredata.ObjectID, vals map[string]any) (bool, error) {
			ok, err := pred.Match(string(id), activation(e, vals))
			if errors.Is(err, ErrNotBool) {
				return false, err
			}
			return ok && err == nil, nil
		},
	})
	if err != nil {
		return nil, err
	}
	secs := group(objs, req.SectionKey)
	if !rs.mgr.MainContext().HasChanges() {
		rs.cache.put(req.CacheName, toCacheEntry(req, secs))
	}
	return secs, nil
}

// activation gives every declared attribute a value so predicates can test
// unset attributes against null.
func activation(e *model.Entity, vals map[string]any) map[string]any {
	out := make(map[string]any, len(e.Attributes))
	for _, a := range e.Attributes {
		out[a.Name] = vals[a.Name]
	}
	return out
}

func group(objs []*coredata.Object, key string) []Section {
	if key == "" {
		return []Section{{Objects: objs}}
	}
	var secs []Section
	index := map[string]int{}
	for _, o := range objs {
		v := o.Get(key)
		name := ""
		if v != nil {
			name = model.KeyString(v)
		}
		i, ok := index[name]
		if !ok {
			i = len(secs)
			index[name] = i
			secs = append(secs, Section{Name: name, Key: v})
		}
		secs[i].Objects = append(secs[i].Objects, o)
	}
	sortSections(secs)
	return secs
}

func sortSections(secs []Section) {
	// insertion sort keeps equal keys in first-seen order
	for i := 1; i < len(secs); i++ {
		for j := i; j > 0 && model.Compare(secs[j-1].Key, secs[j].Key) > 0; j-- {
			secs[j-1], secs[j] = secs[j], secs[j-1]
		}
	}
}

func toCacheEntry(req Request, secs []Section) cacheEntry {
	e := cacheEntry{fingerprint: req.fingerprint(), entity: req.Entity}
	for _, s := range secs {
		cs := cachedSection{name: s.Name, key: s.Key, ids: make([]coredata.ObjectID, len(s.Objects))}
		for i, o := range s.Objects {
			cs.ids[i] = o.ID()
		}
		e.sections = append(e.sections, cs)
	}
	return e
}

func (rs *ResultSet) fromCache(e cacheEntry) ([]Section, bool) {
	main := rs.mgr.MainContext()
	secs := make([]Section, 0, len(e.sections))
	for _, cs := range e.sections {
		s := Section{Name: cs.name, Key: cs.key, Objects: make([]*coredata.Object, 0, len(cs.ids))}
		for _, id := range cs.ids {
			o, err := main.ObjectWithID(id)
			if err != nil || o == nil {
				return nil, false
			}
			s.Objects = append(s.Objects, o)
		}
		secs = append(secs, s)
	}
	return secs, true
}

// contextDidChange runs on the main queue after every saved change.
func (rs *ResultSet) contextDidChange(ch coredata.Changes) {
	rs.mu.Lock()
	req, pred, e, fetched, d := rs.req, rs.pred, rs.ents, rs.fetched, rs.delegate
	rs.mu.Unlock()
	if !fetched || !ch.Touches(req.Entity) {
		return
	}
	secs, err := rs.load(req, pred, e)
	if err != nil {
		rs.log.Error("refetch failed", slog.String("entity", req.Entity), slog.Any("err", err))
		if d != nil {
			d.FetchFailed(rs, err)
		}
		return
	}
	rs.mu.Lock()
	old := rs.snap
	rs.sections = secs
	rs.snap = takeSnapshot(secs)
	changes := diff(old, rs.snap)
	rs.mu.Unlock()

	if len(changes) == 0 || d == nil {
		return
	}
	d.WillChange(rs)
	for _, c := range changes {
		d.Changed(rs, c)
	}
	d.DidChange(rs)
}

// Fetched reports whether PerformFetch has run.
func (rs *ResultSet) Fetched() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.fetched
}

// Sections returns a copy of the sections.
func (rs *ResultSet) Sections() []Section {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Section, len(rs.sections))
	for i, s := range rs.sections {
		out[i] = Section{Name: s.Name, Key: s.Key, Objects: append([]*coredata.Object(nil), s.Objects...)}
	}
	return out
}

// NumberOfSections returns the section count.
func (rs *ResultSet) NumberOfSections() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.sections)
}

// NumberOfRows returns the row count of section, or 0 when out of range.
func (rs *ResultSet) NumberOfRows(section int) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if section < 0 || section >= len(rs.sections) {
		return 0
	}
	return len(rs.sections[section].Objects)
}

// Objects returns all rows in section order.
func (rs *ResultSet) Objects() []*coredata.Object {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []*coredata.Object
	for _, s := range rs.sections {
		out = append(out, s.Objects...)
	}
	return out
}

// ObjectAt returns the object at p.
func (rs *ResultSet) ObjectAt(p IndexPath) (*coredata.Object, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if p.Section < 0 || p.Section >= len(rs.sections) {
		return nil, fmt.Errorf("section %d out of range", p.Section)
	}
	objs := rs.sections[p.Section].Objects
	if p.Row < 0 || p.Row >= len(objs) {
		return nil, fmt.Errorf("row %s out of range", p)
	}
	return objs[p.Row], nil
}

// IndexPathOf locates obj, which may come from any context.
func (rs *ResultSet) IndexPathOf(obj *coredata.Object) (IndexPath, bool) {
	if obj == nil {
		return IndexPath{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.snap.rows[obj.ID()]
	return r.path, ok
}
