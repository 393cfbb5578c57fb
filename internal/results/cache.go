/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package results

import (
	"slices"
	"sync"

	"acecoredata/internal/coredata"
)

// Cache memoizes fetched results by cache name for one manager. An entry is
// dropped when the main context saves a change to its entity or when it is
// read back with a different request.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	hits    int
	cancel  func()
}

type cacheEntry struct {
	fingerprint string
	entity      string
	sections    []cachedSection
}

type cachedSection struct {
	name string
	key  any
	ids  []coredata.ObjectID
}

// NewCache creates a cache that follows mgr's main-context changes.
func NewCache(mgr *coredata.Manager) *Cache {
	c := &Cache{entries: make(map[string]cacheEntry)}
	c.cancel = mgr.Observe(c.invalidate)
	return c
}

func (c *Cache) invalidate(ch coredata.Changes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, e := range c.entries {
		if ch.Touches(e.entity) {
			delete(c.entries, name)
		}
	}
}

func (c *Cache) get(name, fingerprint string) (cacheEntry, bool) {
	if c == nil || name == "" {
		return cacheEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return cacheEntry{}, false
	}
	if e.fingerprint != fingerprint {
		delete(c.entries, name)
		return cacheEntry{}, false
	}
	c.hits++
	return e, true
}

func (c *Cache) put(name string, e cacheEntry) {
	if c == nil || name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = e
}

// Delete drops the named entry; an empty name drops everything.
func (c *Cache) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		clear(c.entries)
		return
	}
	delete(c.entries, name)
}

// Names lists the cached entries, sorted.
func (c *Cache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Hits counts fetches served from the cache.
func (c *Cache) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// Close stops following the manager.
func (c *Cache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
