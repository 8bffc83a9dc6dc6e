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

// Package registry multiplexes many per-component field subscriptions
// onto few network subscriptions. Per logical endpoint (operation +
// input) it tracks every subscriber's field selection, keeps one
// transport subscription alive for the union of those selections, and
// fans incoming data back out filtered to each subscriber's own
// selection.
//
// DESIGN DECISION: eager on expansion, lazy on shrink
// WHY: a component whose selection grows must never silently miss
// fields, so any added path resubscribes immediately. A shrinking
// selection only wastes bandwidth, so small shrinks are tolerated up
// to a configurable threshold before the subscription is narrowed.
// High-frequency mount/unmount churn would otherwise turn into a
// resubscribe storm.
package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/livequery/pkg/config"
	"github.com/united-manufacturing-hub/livequery/pkg/document"
	"github.com/united-manufacturing-hub/livequery/pkg/keys"
	"github.com/united-manufacturing-hub/livequery/pkg/logger"
	"github.com/united-manufacturing-hub/livequery/pkg/metrics"
	"github.com/united-manufacturing-hub/livequery/pkg/selection"
	"github.com/united-manufacturing-hub/livequery/pkg/transport"
	"github.com/united-manufacturing-hub/livequery/pkg/update"
)

// Action is the transport transition required after a subscriber
// change.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionResubscribe Action = "resubscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionNone        Action = "none"
)

// Subscriber is one consumer's interest in an endpoint: a field
// selection and a data callback. OnError is optional.
type Subscriber struct {
	ID        string
	Selection selection.Tree
	OnData    func(data document.Document)
	OnError   func(err error)
}

// endpoint is the registry's record of one logical (operation, input)
// identity, backed by at most one live transport subscription.
type endpoint struct {
	key         string
	operation   string
	input       interface{}
	subscribers map[string]*Subscriber
	merged      selection.Tree
	lastData    document.Document
	hasData     bool
	err         error
	handle      transport.Subscription
}

// Registry owns the endpoint map. One Registry belongs to one client
// instance.
type Registry struct {
	cfg       config.Config
	metrics   *metrics.Metrics
	log       *zap.SugaredLogger
	transport transport.Transport

	// OnUpdate receives incremental patches pushed for any endpoint.
	// The client wires this into the store; endpoints themselves only
	// hold full snapshots.
	OnUpdate func(entityType, entityID string, u update.Update)

	// OnSnapshot receives every full snapshot the transport pushes,
	// before it is fanned out to subscribers. The client wires this
	// into the store so pushed data also warms the entity cache.
	OnSnapshot func(operation string, data document.Document)

	mu        sync.Mutex
	endpoints map[string]*endpoint
}

// New creates an empty registry on top of a transport. metrics may be
// nil.
func New(cfg config.Config, m *metrics.Metrics, tr transport.Transport) *Registry {
	return &Registry{
		cfg:       cfg,
		metrics:   m,
		log:       logger.For(logger.ComponentRegistry),
		transport: tr,
		endpoints: map[string]*endpoint{},
	}
}

// AddSubscriber registers (or updates) a subscriber on the endpoint
// identified by operation and input, recomputes the merged selection,
// and drives the transport accordingly: a first subscriber opens the
// subscription, an expanded merged selection resubscribes, a shrink
// within the threshold does nothing. An endpoint whose transport
// subscription is gone (failed open, server completion) is reopened on
// the next subscriber change, so a failed AddSubscriber leaves a
// record behind that the following add revives.
//
// A subscriber joining an endpoint that already has data is warm
// started: its OnData fires immediately with the last snapshot
// filtered to its own selection.
//
// It returns the endpoint key, which together with the subscriber ID
// is the handle for RemoveSubscriber.
func (r *Registry) AddSubscriber(ctx context.Context, operation string, input interface{}, sub Subscriber) (string, Action, error) {
	if sub.OnData == nil {
		return "", ActionNone, fmt.Errorf("registry: subscriber %q has no data callback", sub.ID)
	}

	key, err := keys.Query(operation, input, nil)
	if err != nil {
		return "", ActionNone, err
	}

	r.mu.Lock()

	ep, ok := r.endpoints[key]
	if !ok {
		ep = &endpoint{
			key:         key,
			operation:   operation,
			input:       input,
			subscribers: map[string]*Subscriber{},
			merged:      selection.Tree{},
		}
		r.endpoints[key] = ep
		r.metrics.SetEndpoints(len(r.endpoints))
	}

	before := len(ep.subscribers)
	subCopy := sub
	subCopy.Selection = sub.Selection.Clone()
	ep.subscribers[sub.ID] = &subCopy
	after := len(ep.subscribers)

	oldMerged := ep.merged
	ep.merged = mergeAll(ep.subscribers)
	analysis := selection.Analyze(oldMerged, ep.merged)
	mergedPaths := selection.Paths(ep.merged)

	warmData := ep.lastData
	warmStart := ep.hasData
	live := ep.handle != nil

	r.mu.Unlock()

	action := r.ShouldResubscribe(analysis, before, after)
	r.metrics.ObserveSubscriptionAction(string(action))

	if warmStart {
		subCopy.OnData(selection.Filter(warmData, subCopy.Selection))
	}

	switch {
	case action == ActionSubscribe:
		if err := r.subscribe(ctx, ep, mergedPaths); err != nil {
			return key, action, err
		}
	case !live && (action == ActionResubscribe || action == ActionNone):
		// The endpoint has subscribers but no live transport
		// subscription: the initial subscribe failed, or the server
		// completed it. Reopen with the full merged selection instead
		// of patching fields on a subscription that does not exist.
		if err := r.subscribe(ctx, ep, mergedPaths); err != nil {
			return key, action, err
		}
	case action == ActionResubscribe:
		if err := r.updateFields(ep, analysis); err != nil {
			return key, action, err
		}
	}

	r.log.Debugw("subscriber added",
		"endpoint", key, "subscriber", sub.ID, "action", action,
		"added", analysis.Added, "removed", analysis.Removed)

	return key, action, nil
}

// RemoveSubscriber drops a subscriber from an endpoint. When the last
// subscriber leaves, the transport subscription is torn down and the
// endpoint record deleted. Removing an unknown subscriber or endpoint
// is a no-op.
func (r *Registry) RemoveSubscriber(endpointKey, subscriberID string) (Action, error) {
	r.mu.Lock()

	ep, ok := r.endpoints[endpointKey]
	if !ok {
		r.mu.Unlock()

		return ActionNone, nil
	}

	if _, ok := ep.subscribers[subscriberID]; !ok {
		r.mu.Unlock()

		return ActionNone, nil
	}

	before := len(ep.subscribers)
	delete(ep.subscribers, subscriberID)
	after := len(ep.subscribers)

	var (
		analysis selection.Analysis
		handle   transport.Subscription
	)

	if after == 0 {
		handle = ep.handle
		delete(r.endpoints, endpointKey)
		r.metrics.SetEndpoints(len(r.endpoints))
	} else {
		oldMerged := ep.merged
		ep.merged = mergeAll(ep.subscribers)
		analysis = selection.Analyze(oldMerged, ep.merged)
	}

	r.mu.Unlock()

	action := r.ShouldResubscribe(analysis, before, after)
	r.metrics.ObserveSubscriptionAction(string(action))

	switch action {
	case ActionUnsubscribe:
		if handle != nil {
			if err := handle.Unsubscribe(); err != nil {
				return action, fmt.Errorf("registry: unsubscribe %s: %w", endpointKey, err)
			}
		}
	case ActionResubscribe:
		if err := r.updateFields(ep, analysis); err != nil {
			return action, err
		}
	case ActionSubscribe, ActionNone:
	}

	r.log.Debugw("subscriber removed",
		"endpoint", endpointKey, "subscriber", subscriberID, "action", action)

	return action, nil
}

// DistributeData fans a full snapshot out to every subscriber of the
// endpoint, each filtered down to its own selection. Nil data passes
// through as nil to every subscriber. The snapshot is retained to warm
// start future subscribers.
func (r *Registry) DistributeData(endpointKey string, full document.Document) {
	r.mu.Lock()

	ep, ok := r.endpoints[endpointKey]
	if !ok {
		r.mu.Unlock()

		return
	}

	ep.lastData = document.Clone(full)
	ep.hasData = true
	ep.err = nil

	subs := make([]*Subscriber, 0, len(ep.subscribers))
	for _, sub := range ep.subscribers {
		subs = append(subs, sub)
	}

	r.mu.Unlock()

	for _, sub := range subs {
		sub.OnData(selection.Filter(full, sub.Selection))
	}
}

// ShouldResubscribe decides the transport transition after a
// subscriber change. The policy is asymmetric: expansion always
// resubscribes (correctness), shrinking tolerates up to the configured
// threshold of removed paths before narrowing (efficiency).
func (r *Registry) ShouldResubscribe(analysis selection.Analysis, before, after int) Action {
	switch {
	case after == 0:
		return ActionUnsubscribe
	case before == 0:
		return ActionSubscribe
	case len(analysis.Added) > 0:
		return ActionResubscribe
	case len(analysis.Removed) > r.cfg.ShrinkThreshold:
		return ActionResubscribe
	default:
		return ActionNone
	}
}

// EndpointCount returns the number of live endpoints.
func (r *Registry) EndpointCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.endpoints)
}

// subscribe opens the endpoint's transport subscription.
func (r *Registry) subscribe(ctx context.Context, ep *endpoint, fields []string) error {
	handle, err := r.transport.Subscribe(ctx, ep.operation, ep.input, fields, transport.Handlers{
		OnData: func(data document.Document) {
			if r.OnSnapshot != nil {
				r.OnSnapshot(ep.operation, data)
			}

			r.DistributeData(ep.key, data)
		},
		OnUpdate: func(entityType, entityID string, u update.Update) {
			if r.OnUpdate != nil {
				r.OnUpdate(entityType, entityID, u)
			}
		},
		OnError: func(err error) {
			r.handleEndpointError(ep.key, err)
		},
		OnComplete: func() {
			r.handleEndpointComplete(ep.key)
		},
	})
	if err != nil {
		return fmt.Errorf("registry: subscribe %s: %w", ep.key, err)
	}

	r.mu.Lock()
	ep.handle = handle
	r.mu.Unlock()

	return nil
}

// updateFields narrows or widens the live subscription in place.
func (r *Registry) updateFields(ep *endpoint, analysis selection.Analysis) error {
	r.mu.Lock()
	handle := ep.handle
	r.mu.Unlock()

	if handle == nil {
		return nil
	}

	if err := handle.UpdateFields(analysis.Added, analysis.Removed); err != nil {
		return fmt.Errorf("registry: update fields on %s: %w", ep.key, err)
	}

	return nil
}

// handleEndpointError records a transport failure on the endpoint and
// notifies subscribers that opted in. The endpoint is NOT deleted:
// subscribers are still present and the subscription may recover.
func (r *Registry) handleEndpointError(endpointKey string, err error) {
	r.mu.Lock()

	ep, ok := r.endpoints[endpointKey]
	if !ok {
		r.mu.Unlock()

		return
	}

	ep.err = err

	subs := make([]*Subscriber, 0, len(ep.subscribers))
	for _, sub := range ep.subscribers {
		subs = append(subs, sub)
	}

	r.mu.Unlock()

	r.log.Warnw("endpoint error", "endpoint", endpointKey, "error", err)

	for _, sub := range subs {
		if sub.OnError != nil {
			sub.OnError(err)
		}
	}
}

// handleEndpointComplete clears the handle after a server-side close;
// the endpoint stays so a later subscriber change can resubscribe.
func (r *Registry) handleEndpointComplete(endpointKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[endpointKey]; ok {
		ep.handle = nil
	}
}

// mergeAll unions every subscriber's selection. Merging never removes
// a field, so the merged tree is always a superset of each input.
func mergeAll(subs map[string]*Subscriber) selection.Tree {
	merged := selection.Tree{}
	for _, sub := range subs {
		merged = selection.Merge(merged, sub.Selection)
	}

	return merged
}

// EndpointError returns the endpoint's current error state, if any.
func (r *Registry) EndpointError(endpointKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[endpointKey]; ok {
		return ep.err
	}

	return nil
}
