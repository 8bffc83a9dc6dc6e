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
	"path"
	"strings"

	"github.com/united-manufacturing-hub/livequery/pkg/cell"
	"github.com/united-manufacturing-hub/livequery/pkg/keys"
)

// Invalidation marks entities stale without clearing their data, so
// consumers keep displaying the previous value while a refetch is in
// flight (stale-while-revalidate).
//
// Cascades follow the configured source→target type rules exactly one
// hop: invalidating "User" also invalidates e.g. "Post" and "Comment",
// but the targets' own rules are never followed, so the rule table
// cannot loop at runtime.

// Invalidate marks every cached entity of the given type stale, then
// cascades one hop to the configured target types. It returns the
// number of entities marked.
func (s *Store) Invalidate(entityType string) int {
	marked := s.invalidateType(entityType)
	marked += s.cascade(entityType)

	s.metrics.ObserveInvalidation(marked)

	return marked
}

// InvalidateEntity marks one entity stale, then cascades one hop to
// the configured target types of its entity type.
func (s *Store) InvalidateEntity(entityType, id string) int {
	marked := 0

	s.lock()
	c, ok := s.entities[keys.Entity(entityType, id)]
	s.unlock()

	if ok && markStale(c) {
		marked++
	}

	marked += s.cascade(entityType)

	s.metrics.ObserveInvalidation(marked)

	return marked
}

// InvalidateByTags marks every entity carrying any of the given tags
// stale. Tags do not cascade; they are already an explicit grouping.
func (s *Store) InvalidateByTags(tags ...string) int {
	s.lock()

	keySet := map[string]struct{}{}

	for _, tag := range tags {
		for key := range s.tagIndex[tag] {
			keySet[key] = struct{}{}
		}
	}

	cells := make([]*cell.Cell[EntityState], 0, len(keySet))

	for key := range keySet {
		if c, ok := s.entities[key]; ok {
			cells = append(cells, c)
		}
	}

	s.unlock()

	marked := 0

	for _, c := range cells {
		if markStale(c) {
			marked++
		}
	}

	s.metrics.ObserveInvalidation(marked)

	return marked
}

// InvalidateByPattern marks every entity whose "type:id" key matches
// the shell-style pattern stale, e.g. "User:*" or "Post:draft-*".
func (s *Store) InvalidateByPattern(pattern string) int {
	s.lock()

	var cells []*cell.Cell[EntityState]

	for key, c := range s.entities {
		matched, err := path.Match(pattern, key)
		if err != nil {
			s.unlock()
			s.log.Warnw("invalid invalidation pattern", "pattern", pattern, "error", err)

			return 0
		}

		if matched {
			cells = append(cells, c)
		}
	}

	s.unlock()

	marked := 0

	for _, c := range cells {
		if markStale(c) {
			marked++
		}
	}

	s.metrics.ObserveInvalidation(marked)

	return marked
}

// InvalidateList marks one cached list stale by its query key.
func (s *Store) InvalidateList(key string) bool {
	s.lock()
	c, ok := s.lists[key]
	s.unlock()

	if !ok {
		return false
	}

	marked := false

	c.Update(func(next ListState) (ListState, bool) {
		if next.Stale {
			return next, false
		}

		next.Stale = true
		marked = true

		return next, true
	})

	if marked {
		s.metrics.ObserveInvalidation(1)
	}

	return marked
}

// invalidateType marks all entities of one type stale, without
// cascading.
func (s *Store) invalidateType(entityType string) int {
	prefix := entityType + ":"

	s.lock()

	var cells []*cell.Cell[EntityState]

	for key, c := range s.entities {
		if strings.HasPrefix(key, prefix) {
			cells = append(cells, c)
		}
	}

	s.unlock()

	marked := 0

	for _, c := range cells {
		if markStale(c) {
			marked++
		}
	}

	return marked
}

// cascade marks all entities of the configured target types stale.
// Single hop: targets' own rules are not followed.
func (s *Store) cascade(entityType string) int {
	marked := 0

	for _, target := range s.cfg.CascadeRules[entityType] {
		if target == entityType {
			continue
		}

		marked += s.invalidateType(target)
	}

	if marked > 0 {
		s.log.Debugw("cascade invalidation", "source", entityType, "marked", marked)
	}

	return marked
}

// markStale flips the stale flag, reporting whether anything changed.
// Data is deliberately left intact.
func markStale(c *cell.Cell[EntityState]) bool {
	marked := false

	c.Update(func(next EntityState) (EntityState, bool) {
		if next.Stale {
			return next, false
		}

		next.Stale = true
		marked = true

		return next, true
	})

	return marked
}
