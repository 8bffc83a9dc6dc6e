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

// Package optimizer sits between the engine and the transport and
// avoids redundant network round-trips: identical concurrent requests
// collapse onto one in-flight fetch, and a per-entity field cache
// serves subset-field requests locally, fetching only the fields it is
// missing.
package optimizer

import (
	"context"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/united-manufacturing-hub/livequery/pkg/config"
	"github.com/united-manufacturing-hub/livequery/pkg/document"
	"github.com/united-manufacturing-hub/livequery/pkg/keys"
	"github.com/united-manufacturing-hub/livequery/pkg/logger"
	"github.com/united-manufacturing-hub/livequery/pkg/metrics"
)

// Kind classifies a request.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
)

// Request is one outgoing operation. EntityType and EntityID identify
// the target for field caching (queries) and invalidation (mutations);
// they may be empty for requests that do not address a single entity,
// which then bypass the field cache but still deduplicate.
type Request struct {
	Input      interface{}
	Kind       Kind
	Operation  string
	EntityType string
	EntityID   string
	Fields     []string
}

// Result is a fetch outcome plus cache metadata.
type Result struct {
	Data document.Document

	// FromCache is true when no network call was made at all.
	FromCache bool

	// IncrementalFetch is true when only the missing fields were
	// fetched and merged with cached ones.
	IncrementalFetch bool
}

// FetchFunc performs the actual network request for the given fields.
type FetchFunc func(ctx context.Context, req Request) (document.Document, error)

// fieldEntry is the cached field set of one entity. full marks it as a
// complete snapshot, which is required to serve requests without an
// explicit field selection.
type fieldEntry struct {
	fields document.Document
	full   bool
}

// Optimizer deduplicates concurrent identical requests and serves
// field-subset queries from cache.
//
// DESIGN DECISION: invalidation via generation counters
// WHY: the TTL map has no bulk delete, and a mutation must drop every
// cached entry of the mutated entity type at once. Bumping the type's
// generation changes every cache key for that type, so stale entries
// become unreachable immediately and age out via TTL on their own.
type Optimizer struct {
	cfg     config.Config
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	group      singleflight.Group
	fieldCache *expiremap.ExpireMap[string, *fieldEntry]

	mu          sync.Mutex
	generations map[string]uint64
}

// New creates an optimizer. metrics may be nil.
func New(cfg config.Config, m *metrics.Metrics) *Optimizer {
	return &Optimizer{
		cfg:     cfg,
		metrics: m,
		log:     logger.For(logger.ComponentOptimizer),
		fieldCache: expiremap.NewEx[string, *fieldEntry](
			cfg.FieldCacheCullInterval.Std(),
			cfg.FieldCacheTTL.Std(),
		),
		generations: map[string]uint64{},
	}
}

// Do executes a request through the cache and deduplication layers.
// Mutations invalidate the target type's field cache and pass through;
// queries are classified as full hit, partial hit, or miss.
func (o *Optimizer) Do(ctx context.Context, req Request, fetch FetchFunc) (Result, error) {
	if req.Kind == KindMutation {
		o.invalidateType(req.EntityType)

		data, err := fetch(ctx, req)
		if err != nil {
			return Result{}, err
		}

		return Result{Data: data}, nil
	}

	if req.EntityType == "" || req.EntityID == "" {
		// Not addressable in the field cache; deduplicate only.
		data, err := o.fetchDedup(ctx, req, fetch)
		if err != nil {
			return Result{}, err
		}

		o.metrics.ObserveCacheMiss()

		return Result{Data: data}, nil
	}

	cacheKey := o.entryKey(req.EntityType, req.EntityID)

	if entry, ok := o.loadEntry(cacheKey); ok {
		if res, served := o.serveFromEntry(req, entry); served {
			o.metrics.ObserveCacheHit()

			return res, nil
		}

		if missing := missingFields(req.Fields, entry.fields); len(missing) > 0 &&
			len(missing) < len(req.Fields) && o.cfg.IncrementalFetch {
			return o.fetchIncremental(ctx, req, entry, missing, fetch)
		}
	}

	return o.fetchMiss(ctx, req, cacheKey, fetch)
}

// serveFromEntry attempts a full cache hit.
func (o *Optimizer) serveFromEntry(req Request, entry *fieldEntry) (Result, bool) {
	if len(req.Fields) == 0 {
		if !entry.full {
			return Result{}, false
		}

		return Result{Data: document.Clone(entry.fields), FromCache: true}, true
	}

	if len(missingFields(req.Fields, entry.fields)) > 0 {
		return Result{}, false
	}

	return Result{Data: projectFields(entry.fields, req.Fields), FromCache: true}, true
}

// fetchIncremental fetches only the missing fields and merges them
// with the cached ones.
func (o *Optimizer) fetchIncremental(
	ctx context.Context,
	req Request,
	entry *fieldEntry,
	missing []string,
	fetch FetchFunc,
) (Result, error) {
	partial := req
	partial.Fields = missing

	fetched, err := o.fetchDedup(ctx, partial, fetch)
	if err != nil {
		return Result{}, err
	}

	merged := document.Merge(entry.fields, fetched)
	o.storeEntry(o.entryKey(req.EntityType, req.EntityID), &fieldEntry{
		fields: merged,
		full:   entry.full,
	})

	o.metrics.ObserveIncrementalFetch()
	o.log.Debugw("incremental fetch",
		"operation", req.Operation, "entity", keys.Entity(req.EntityType, req.EntityID),
		"missing", missing)

	return Result{
		Data:             projectFields(merged, req.Fields),
		IncrementalFetch: true,
	}, nil
}

// fetchMiss fetches the full requested field set and seeds the cache.
func (o *Optimizer) fetchMiss(ctx context.Context, req Request, cacheKey string, fetch FetchFunc) (Result, error) {
	data, err := o.fetchDedup(ctx, req, fetch)
	if err != nil {
		return Result{}, err
	}

	o.metrics.ObserveCacheMiss()

	if data == nil {
		return Result{}, nil
	}

	entry := &fieldEntry{fields: document.Clone(data)}

	if len(req.Fields) == 0 {
		// No explicit selection: the response is the entity's full
		// snapshot.
		entry.full = true
	} else if existing, ok := o.loadEntry(cacheKey); ok {
		entry.fields = document.Merge(existing.fields, data)
		entry.full = existing.full
	}

	o.storeEntry(cacheKey, entry)

	return Result{Data: data}, nil
}

// fetchDedup collapses concurrent identical requests (same operation,
// input, and field set) onto one in-flight fetch. The in-flight entry
// is dropped once the call settles regardless of outcome, so a failure
// does not poison later attempts.
func (o *Optimizer) fetchDedup(ctx context.Context, req Request, fetch FetchFunc) (document.Document, error) {
	key, err := keys.Query(req.Operation, req.Input, req.Fields)
	if err != nil {
		return nil, err
	}

	// singleflight drops the in-flight entry when the call settles,
	// success or failure, so a failed fetch never poisons retries.
	v, err, shared := o.group.Do(key, func() (interface{}, error) {
		return fetch(ctx, req)
	})
	if shared {
		o.metrics.ObserveDedupCollapsed()
	}

	if err != nil {
		return nil, err
	}

	data, ok := v.(document.Document)
	if !ok && v != nil {
		return nil, fmt.Errorf("optimizer: unexpected fetch result type %T", v)
	}

	return data, nil
}

// invalidateType makes every cached entry of an entity type
// unreachable by bumping the type's generation.
func (o *Optimizer) invalidateType(entityType string) {
	if entityType == "" {
		return
	}

	o.mu.Lock()
	o.generations[entityType]++
	gen := o.generations[entityType]
	o.mu.Unlock()

	o.metrics.ObserveInvalidation(1)
	o.log.Debugw("field cache invalidated", "entityType", entityType, "generation", gen)
}

// entryKey builds the generation-scoped cache key for an entity.
func (o *Optimizer) entryKey(entityType, entityID string) string {
	o.mu.Lock()
	gen := o.generations[entityType]
	o.mu.Unlock()

	return fmt.Sprintf("%s:%d:%s", entityType, gen, entityID)
}

func (o *Optimizer) loadEntry(key string) (*fieldEntry, bool) {
	v, ok := o.fieldCache.Load(key)
	if !ok || v == nil {
		return nil, false
	}

	return *v, true
}

func (o *Optimizer) storeEntry(key string, entry *fieldEntry) {
	o.fieldCache.Set(key, entry)
}

// missingFields returns the requested fields absent from the cached
// document. Nested paths are matched on their top-level segment, since
// the cache stores whole top-level fields.
func missingFields(requested []string, cached document.Document) []string {
	var missing []string

	for _, f := range requested {
		if _, ok := cached[topSegment(f)]; !ok {
			missing = append(missing, f)
		}
	}

	return missing
}

// projectFields builds a document containing the identifier plus the
// requested fields.
func projectFields(cached document.Document, fields []string) document.Document {
	out := document.Document{}

	if id, ok := cached[document.FieldID]; ok {
		out[document.FieldID] = document.CloneValue(id)
	}

	for _, f := range fields {
		name := topSegment(f)
		if v, ok := cached[name]; ok {
			out[name] = document.CloneValue(v)
		}
	}

	return out
}

func topSegment(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}

	return path
}
