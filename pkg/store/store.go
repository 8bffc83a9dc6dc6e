// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store owns the local cache of server-owned entities and
// lists: observable state cells, the optimistic transaction log, the
// tag/pattern invalidation index, and reference-count-driven garbage
// collection.
//
// DESIGN DECISION: one observable cell per (entityType, entityId)
// WHY: UI bindings memoize on cell identity. getEntity must return the
// same cell for the same key forever, so components that remount get
// the warm cell back instead of a fresh loading state.
//
// TRADE-OFF: cells for released entities linger until gc() runs. That
// is deliberate: release-to-zero marks stale instead of deleting, so a
// quick unmount/remount cycle reuses the cached data.
//
// INSPIRED BY: Linear's client-side sync engine (entity store with
// optimistic transactions and stale-while-revalidate reads).
package store

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/livequery/pkg/cell"
	"github.com/united-manufacturing-hub/livequery/pkg/config"
	"github.com/united-manufacturing-hub/livequery/pkg/document"
	"github.com/united-manufacturing-hub/livequery/pkg/keys"
	"github.com/united-manufacturing-hub/livequery/pkg/logger"
	"github.com/united-manufacturing-hub/livequery/pkg/metrics"
	"github.com/united-manufacturing-hub/livequery/pkg/update"
)

// EntityState is the observable state of one cached entity. UI
// bindings must always be able to distinguish "loading", "has
// stale-but-displayable data", and "has error with no data", so no
// operation ever collapses those dimensions into each other.
type EntityState struct {
	// Data is the cached entity document, nil when nothing has been
	// cached (or an optimistic delete is pending).
	Data document.Document

	// Err carries the last resolver or transport error. Setting an
	// error never clears Data.
	Err error

	// CachedAt is when Data was last set from an authoritative source.
	CachedAt time.Time

	// Tags are the invalidation tags attached to this entity.
	Tags []string

	// RefCount counts active retains. Release to zero marks the state
	// stale; deletion is deferred to GC.
	RefCount int

	Loading bool
	Stale   bool
}

// ListState is the observable state of one cached list, keyed by a
// query key rather than an entity id.
type ListState struct {
	Data     []document.Document
	Err      error
	CachedAt time.Time
	RefCount int
	Loading  bool
	Stale    bool
}

// Stats is a point-in-time snapshot of store occupancy.
type Stats struct {
	Entities          int
	Lists             int
	PendingOptimistic int
}

// Store is the entity/list cache. One Store belongs to one client
// instance; it is never shared across transport connections.
type Store struct {
	cfg     config.Config
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	// mu guards the maps below. Cell values are mutated via
	// cell.Update AFTER the lock is released: the transition runs
	// under the cell's own lock (concurrent transitions cannot lose
	// writes) and subscriber callbacks then run with no lock held, so
	// a callback that re-enters the store cannot deadlock.
	mu         sync.Mutex
	entities   map[string]*cell.Cell[EntityState]
	lists      map[string]*cell.Cell[ListState]
	optimistic map[string]*OptimisticEntry
	tagIndex   map[string]map[string]struct{}
}

// New creates an empty store. metrics may be nil.
func New(cfg config.Config, m *metrics.Metrics) *Store {
	s := &Store{
		cfg:        cfg,
		metrics:    m,
		log:        logger.For(logger.ComponentStore),
		entities:   map[string]*cell.Cell[EntityState]{},
		lists:      map[string]*cell.Cell[ListState]{},
		optimistic: map[string]*OptimisticEntry{},
		tagIndex:   map[string]map[string]struct{}{},
	}

	return s
}

func (s *Store) lock()   { s.mu.Lock() }
func (s *Store) unlock() { s.mu.Unlock() }

// GetEntity returns the observable cell for (entityType, id), creating
// it on first access. Repeated calls with the same key return the same
// cell.
func (s *Store) GetEntity(entityType, id string) *cell.Cell[EntityState] {
	s.lock()
	defer s.unlock()

	return s.entityCellLocked(keys.Entity(entityType, id))
}

func (s *Store) entityCellLocked(key string) *cell.Cell[EntityState] {
	c, ok := s.entities[key]
	if !ok {
		c = cell.New(EntityState{})
		s.entities[key] = c
		s.metrics.SetEntities(len(s.entities))
	}

	return c
}

// SetEntity stores authoritative data for an entity: sets Data, clears
// Loading/Err/Stale, stamps CachedAt, and reindexes tags. A write that
// changes nothing (same data, same tags, not loading/stale/errored) is
// skipped so cell subscribers are not woken for no-op refreshes.
func (s *Store) SetEntity(entityType, id string, data document.Document, tags ...string) {
	key := keys.Entity(entityType, id)

	s.lock()
	c := s.entityCellLocked(key)
	s.unlock()

	var oldTags []string

	changed := false

	c.Update(func(prev EntityState) (EntityState, bool) {
		// Unchanged refresh: same data and tags arriving on a clean
		// state would only bump CachedAt, so skip the write and spare
		// every cell subscriber a wakeup.
		if prev.Data != nil && !prev.Loading && !prev.Stale && prev.Err == nil &&
			reflect.DeepEqual(prev.Data, data) && reflect.DeepEqual(prev.Tags, tags) {
			return prev, false
		}

		oldTags = prev.Tags
		changed = true

		next := prev
		next.Data = document.Clone(data)
		next.Loading = false
		next.Err = nil
		next.Stale = false
		next.CachedAt = time.Now()
		next.Tags = append([]string(nil), tags...)

		return next, true
	})

	if !changed {
		return
	}

	s.lock()
	s.reindexTagsLocked(key, oldTags, tags)
	s.unlock()
}

// ApplyServerUpdate routes a server patch through the update model.
// It no-ops when the entity has no cached data, and on a malformed
// update it leaves the prior data intact and surfaces the failure as
// the entity's error state.
func (s *Store) ApplyServerUpdate(entityType, id string, u update.Update) error {
	key := keys.Entity(entityType, id)

	s.lock()
	c, ok := s.entities[key]
	s.unlock()

	if !ok {
		return nil
	}

	var applyErr error

	c.Update(func(prev EntityState) (EntityState, bool) {
		if prev.Data == nil {
			return prev, false
		}

		next := prev

		patched, err := update.Apply(prev.Data, u)
		if err != nil {
			applyErr = err
			next.Err = err

			return next, true
		}

		next.Data = patched
		next.Err = nil
		next.CachedAt = time.Now()

		return next, true
	})

	if applyErr != nil {
		s.log.Warnw("server update rejected", "key", key, "op", u.Op, "error", applyErr)
	}

	return applyErr
}

// SetEntityLoading flips the loading flag. Data is never cleared, so a
// refetch keeps showing the previous value.
func (s *Store) SetEntityLoading(entityType, id string, loading bool) {
	s.lock()
	c := s.entityCellLocked(keys.Entity(entityType, id))
	s.unlock()

	c.Update(func(next EntityState) (EntityState, bool) {
		next.Loading = loading

		return next, true
	})
}

// SetEntityError records an error on the entity. Data is never
// cleared: stale-but-displayable data plus an error is a valid state.
func (s *Store) SetEntityError(entityType, id string, err error) {
	s.lock()
	c := s.entityCellLocked(keys.Entity(entityType, id))
	s.unlock()

	c.Update(func(next EntityState) (EntityState, bool) {
		next.Err = err
		next.Loading = false

		return next, true
	})
}

// Retain increments an entity's reference count.
func (s *Store) Retain(entityType, id string) {
	s.lock()
	c := s.entityCellLocked(keys.Entity(entityType, id))
	s.unlock()

	c.Update(func(next EntityState) (EntityState, bool) {
		next.RefCount++

		return next, true
	})
}

// Release decrements the reference count. Release to zero marks the
// entity stale but keeps it cached so a quick remount finds warm data;
// actual eviction is deferred to GC.
func (s *Store) Release(entityType, id string) {
	s.lock()

	c, ok := s.entities[keys.Entity(entityType, id)]
	s.unlock()

	if !ok {
		return
	}

	c.Update(func(next EntityState) (EntityState, bool) {
		if next.RefCount > 0 {
			next.RefCount--
		}

		if next.RefCount == 0 {
			next.Stale = true
		}

		return next, true
	})
}

// GC deletes every entity and list with refCount == 0 and stale ==
// true, and returns the number of evictions. Callers decide when to
// run it; the store never collects on its own.
func (s *Store) GC() int {
	s.lock()
	defer s.unlock()

	evicted := 0

	for key, c := range s.entities {
		state := c.Get()
		if state.RefCount == 0 && state.Stale {
			s.reindexTagsLocked(key, state.Tags, nil)
			delete(s.entities, key)

			evicted++
		}
	}

	for key, c := range s.lists {
		state := c.Get()
		if state.RefCount == 0 && state.Stale {
			delete(s.lists, key)

			evicted++
		}
	}

	s.metrics.SetEntities(len(s.entities))
	s.metrics.SetLists(len(s.lists))

	if evicted > 0 {
		s.log.Debugw("garbage collected", "evicted", evicted)
	}

	return evicted
}

// GetStaleWhileRevalidate returns a copy of the current (possibly
// stale) data immediately. When cached data exists and is stale,
// revalidate runs in the background and its outcome is delivered on
// the returned channel; otherwise the channel is nil. When nothing is
// cached, data is nil and the caller must fetch through the normal
// path.
func (s *Store) GetStaleWhileRevalidate(
	ctx context.Context,
	entityType, id string,
	revalidate func(ctx context.Context) (document.Document, error),
) (document.Document, <-chan error) {
	s.lock()

	c, ok := s.entities[keys.Entity(entityType, id)]
	if !ok {
		s.unlock()

		return nil, nil
	}

	state := c.Get()
	s.unlock()

	if state.Data == nil {
		return nil, nil
	}

	if !state.Stale {
		return document.Clone(state.Data), nil
	}

	done := make(chan error, 1)

	go func() {
		defer close(done)

		data, err := revalidate(ctx)
		if err != nil {
			s.SetEntityError(entityType, id, err)
			done <- err

			return
		}

		s.SetEntity(entityType, id, data, state.Tags...)
		done <- nil
	}()

	return document.Clone(state.Data), done
}

// GetList returns the observable cell for a query key, creating it on
// first access.
func (s *Store) GetList(key string) *cell.Cell[ListState] {
	s.lock()
	defer s.unlock()

	return s.listCellLocked(key)
}

func (s *Store) listCellLocked(key string) *cell.Cell[ListState] {
	c, ok := s.lists[key]
	if !ok {
		c = cell.New(ListState{})
		s.lists[key] = c
		s.metrics.SetLists(len(s.lists))
	}

	return c
}

// SetList stores authoritative data for a list.
func (s *Store) SetList(key string, data []document.Document) {
	s.lock()
	c := s.listCellLocked(key)
	s.unlock()

	cloned := make([]document.Document, len(data))
	for i, d := range data {
		cloned[i] = document.Clone(d)
	}

	c.Update(func(next ListState) (ListState, bool) {
		next.Data = cloned
		next.Loading = false
		next.Err = nil
		next.Stale = false
		next.CachedAt = time.Now()

		return next, true
	})
}

// SetListLoading flips the loading flag on a list.
func (s *Store) SetListLoading(key string, loading bool) {
	s.lock()
	c := s.listCellLocked(key)
	s.unlock()

	c.Update(func(next ListState) (ListState, bool) {
		next.Loading = loading

		return next, true
	})
}

// SetListError records an error on a list without clearing its data.
func (s *Store) SetListError(key string, err error) {
	s.lock()
	c := s.listCellLocked(key)
	s.unlock()

	c.Update(func(next ListState) (ListState, bool) {
		next.Err = err
		next.Loading = false

		return next, true
	})
}

// RetainList increments a list's reference count.
func (s *Store) RetainList(key string) {
	s.lock()
	c := s.listCellLocked(key)
	s.unlock()

	c.Update(func(next ListState) (ListState, bool) {
		next.RefCount++

		return next, true
	})
}

// ReleaseList decrements a list's reference count, marking it stale at
// zero. Eviction is deferred to GC, same as entities.
func (s *Store) ReleaseList(key string) {
	s.lock()

	c, ok := s.lists[key]
	s.unlock()

	if !ok {
		return
	}

	c.Update(func(next ListState) (ListState, bool) {
		if next.RefCount > 0 {
			next.RefCount--
		}

		if next.RefCount == 0 {
			next.Stale = true
		}

		return next, true
	})
}

// Stats returns a snapshot of store occupancy.
func (s *Store) Stats() Stats {
	s.lock()
	defer s.unlock()

	return Stats{
		Entities:          len(s.entities),
		Lists:             len(s.lists),
		PendingOptimistic: len(s.optimistic),
	}
}

// reindexTagsLocked moves an entity key from its old tag set to its
// new one. Callers hold the store lock.
func (s *Store) reindexTagsLocked(key string, oldTags, newTags []string) {
	for _, tag := range oldTags {
		if set, ok := s.tagIndex[tag]; ok {
			delete(set, key)

			if len(set) == 0 {
				delete(s.tagIndex, tag)
			}
		}
	}

	for _, tag := range newTags {
		set, ok := s.tagIndex[tag]
		if !ok {
			set = map[string]struct{}{}
			s.tagIndex[tag] = set
		}

		set[key] = struct{}{}
	}
}
