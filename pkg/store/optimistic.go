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

package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/united-manufacturing-hub/livequery/pkg/document"
	"github.com/united-manufacturing-hub/livequery/pkg/keys"
)

// OptimisticOp classifies a speculative mutation.
type OptimisticOp string

const (
	OptimisticCreate OptimisticOp = "create"
	OptimisticUpdate OptimisticOp = "update"
	OptimisticDelete OptimisticOp = "delete"
)

// ErrMissingID is returned when an optimistic mutation's payload does
// not identify a target entity.
var ErrMissingID = errors.New("store: optimistic payload has no id")

// OptimisticEntry records one in-flight speculative mutation: the
// pre-mutation data needed for rollback and the speculative data that
// replaced it. Exactly one entry exists per in-flight mutation, and it
// must never outlive the mutation's settlement — Confirm and Rollback
// both consume it.
type OptimisticEntry struct {
	ID             string
	EntityType     string
	EntityID       string
	Op             OptimisticOp
	OriginalData   document.Document
	OptimisticData document.Document
	Timestamp      time.Time

	// existed distinguishes "had a cell with nil data" from "had no
	// cell at all" so rollback of a create removes exactly what the
	// apply added.
	existed bool
}

// ApplyOptimistic records an optimistic entry capturing the target's
// pre-mutation data, then synchronously applies the speculative
// change: create inserts, update shallow-merges into existing data,
// delete nulls out data while keeping the cell. The returned id is
// the handle for Confirm/Rollback; it is empty when optimistic updates
// are disabled by configuration, and callers must treat an empty id as
// "nothing to roll back".
func (s *Store) ApplyOptimistic(entityType string, op OptimisticOp, data document.Document) (string, error) {
	if !s.cfg.OptimisticUpdates {
		return "", nil
	}

	entityID := data.ID()
	if entityID == "" {
		return "", fmt.Errorf("%w: %s on %q", ErrMissingID, op, entityType)
	}

	key := keys.Entity(entityType, entityID)

	s.lock()

	c, existed := s.entities[key]
	if !existed {
		c = s.entityCellLocked(key)
	}

	s.unlock()

	entry := &OptimisticEntry{
		ID:             ulid.Make().String(),
		EntityType:     entityType,
		EntityID:       entityID,
		Op:             op,
		OptimisticData: document.Clone(data),
		Timestamp:      time.Now(),
		existed:        existed,
	}

	// The pre-mutation snapshot is captured inside the same transition
	// that applies the speculative change, so no concurrent write can
	// slip between capture and apply.
	c.Update(func(prev EntityState) (EntityState, bool) {
		entry.OriginalData = document.Clone(prev.Data)

		next := prev

		switch op {
		case OptimisticCreate:
			next.Data = document.Clone(data)
			next.Loading = false
			next.Err = nil
			next.Stale = false
			next.CachedAt = time.Now()
		case OptimisticUpdate:
			if prev.Data == nil {
				next.Data = document.Clone(data)
			} else {
				next.Data = document.Merge(prev.Data, data)
			}
		case OptimisticDelete:
			next.Data = nil
		}

		return next, true
	})

	s.lock()
	s.optimistic[entry.ID] = entry
	s.metrics.SetPendingOptimistic(len(s.optimistic))
	s.unlock()

	s.metrics.ObserveOptimisticApplied()
	s.log.Debugw("optimistic apply", "id", entry.ID, "key", key, "op", op)

	return entry.ID, nil
}

// ConfirmOptimistic settles a speculative mutation with the server's
// authoritative result. When serverData is non-nil and the operation
// was not a delete, it overwrites the speculative data; the entity's
// existing tags are preserved so confirmation never drops it from the
// tag index. Confirming an unknown id (already confirmed, rolled back,
// or never issued) is a no-op.
func (s *Store) ConfirmOptimistic(id string, serverData document.Document) {
	if id == "" {
		return
	}

	s.lock()

	entry, ok := s.optimistic[id]
	if !ok {
		s.unlock()

		return
	}

	delete(s.optimistic, id)
	s.metrics.SetPendingOptimistic(len(s.optimistic))
	s.unlock()

	if serverData != nil && entry.Op != OptimisticDelete {
		tags := s.GetEntity(entry.EntityType, entry.EntityID).Get().Tags
		s.SetEntity(entry.EntityType, entry.EntityID, serverData, tags...)
	}

	s.log.Debugw("optimistic confirm", "id", id, "op", entry.Op)
}

// RollbackOptimistic undoes a speculative mutation: update and delete
// restore the captured original data verbatim; create removes the
// entity the apply inserted. Rolling back an unknown id is a no-op, so
// double rollback and rollback-after-confirm are safe.
func (s *Store) RollbackOptimistic(id string) {
	if id == "" {
		return
	}

	s.lock()

	entry, ok := s.optimistic[id]
	if !ok {
		s.unlock()

		return
	}

	delete(s.optimistic, id)
	s.metrics.SetPendingOptimistic(len(s.optimistic))

	key := keys.Entity(entry.EntityType, entry.EntityID)
	c, haveCell := s.entities[key]

	if entry.Op == OptimisticCreate && !entry.existed {
		delete(s.entities, key)
		s.metrics.SetEntities(len(s.entities))
	}

	s.unlock()

	if !haveCell {
		return
	}

	c.Update(func(next EntityState) (EntityState, bool) {
		if entry.Op == OptimisticCreate && !entry.existed {
			// The cell was just dropped from the map; clear it too so
			// any subscriber that captured it sees the entity
			// disappear.
			next.Data = nil
			next.Stale = true
		} else {
			next.Data = document.Clone(entry.OriginalData)
		}

		return next, true
	})

	s.metrics.ObserveOptimisticRollback()
	s.log.Debugw("optimistic rollback", "id", id, "key", key, "op", entry.Op)
}
