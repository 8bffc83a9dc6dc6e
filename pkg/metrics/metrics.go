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

// Package metrics exposes Prometheus instrumentation for the sync
// engine. All observation methods are nil-safe so the engine can run
// without a registry (e.g. in tests) and callers never need nil
// checks at the call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "livequery"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	cacheHits            prometheus.Counter
	cacheMisses          prometheus.Counter
	incrementalFetches   prometheus.Counter
	dedupCollapsed       prometheus.Counter
	invalidations        prometheus.Counter
	optimisticApplied    prometheus.Counter
	optimisticRolledBack prometheus.Counter
	resubscribes         *prometheus.CounterVec

	entities          prometheus.Gauge
	lists             prometheus.Gauge
	pendingOptimistic prometheus.Gauge
	endpoints         prometheus.Gauge
}

// New creates the engine collectors and registers them with reg. A nil
// registerer yields collectors that are observed but never scraped.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Query results served fully from the field cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Query results that required a network fetch.",
		}),
		incrementalFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incremental_fetches_total",
			Help:      "Partial cache hits completed by fetching only the missing fields.",
		}),
		dedupCollapsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_collapsed_total",
			Help:      "Concurrent identical requests collapsed onto an in-flight fetch.",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_total",
			Help:      "Cache entries marked stale, including cascade targets.",
		}),
		optimisticApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_applied_total",
			Help:      "Mutations applied speculatively before server confirmation.",
		}),
		optimisticRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_rolled_back_total",
			Help:      "Speculative mutations rolled back after a server rejection.",
		}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_actions_total",
			Help:      "Subscription lifecycle actions taken after merged-selection changes.",
		}, []string{"action"}),
		entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Entity states currently held in the store.",
		}),
		lists: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lists",
			Help:      "List states currently held in the store.",
		}),
		pendingOptimistic: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_optimistic",
			Help:      "Optimistic entries awaiting server confirmation.",
		}),
		endpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints",
			Help:      "Active subscription endpoints in the registry.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.cacheHits, m.cacheMisses, m.incrementalFetches,
			m.dedupCollapsed, m.invalidations,
			m.optimisticApplied, m.optimisticRolledBack,
			m.resubscribes,
			m.entities, m.lists, m.pendingOptimistic, m.endpoints,
		)
	}

	return m
}

// ObserveCacheHit records a query served fully from cache.
func (m *Metrics) ObserveCacheHit() {
	if m == nil {
		return
	}

	m.cacheHits.Inc()
}

// ObserveCacheMiss records a query that went to the network.
func (m *Metrics) ObserveCacheMiss() {
	if m == nil {
		return
	}

	m.cacheMisses.Inc()
}

// ObserveIncrementalFetch records a partial hit completed incrementally.
func (m *Metrics) ObserveIncrementalFetch() {
	if m == nil {
		return
	}

	m.incrementalFetches.Inc()
}

// ObserveDedupCollapsed records a request collapsed onto an in-flight one.
func (m *Metrics) ObserveDedupCollapsed() {
	if m == nil {
		return
	}

	m.dedupCollapsed.Inc()
}

// ObserveInvalidation records n cache entries marked stale.
func (m *Metrics) ObserveInvalidation(n int) {
	if m == nil {
		return
	}

	m.invalidations.Add(float64(n))
}

// ObserveOptimisticApplied records a speculative mutation.
func (m *Metrics) ObserveOptimisticApplied() {
	if m == nil {
		return
	}

	m.optimisticApplied.Inc()
}

// ObserveOptimisticRollback records a rolled-back speculative mutation.
func (m *Metrics) ObserveOptimisticRollback() {
	if m == nil {
		return
	}

	m.optimisticRolledBack.Inc()
}

// ObserveSubscriptionAction records a subscription lifecycle decision
// ("subscribe", "resubscribe", "unsubscribe", "none").
func (m *Metrics) ObserveSubscriptionAction(action string) {
	if m == nil {
		return
	}

	m.resubscribes.WithLabelValues(action).Inc()
}

// SetEntities sets the current entity-state gauge.
func (m *Metrics) SetEntities(n int) {
	if m == nil {
		return
	}

	m.entities.Set(float64(n))
}

// SetLists sets the current list-state gauge.
func (m *Metrics) SetLists(n int) {
	if m == nil {
		return
	}

	m.lists.Set(float64(n))
}

// SetPendingOptimistic sets the pending-optimistic gauge.
func (m *Metrics) SetPendingOptimistic(n int) {
	if m == nil {
		return
	}

	m.pendingOptimistic.Set(float64(n))
}

// SetEndpoints sets the active-endpoint gauge.
func (m *Metrics) SetEndpoints(n int) {
	if m == nil {
		return
	}

	m.endpoints.Set(float64(n))
}
