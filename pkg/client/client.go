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

// Package client assembles the sync engine: store, registry, and
// optimizer wired onto one transport, exposed through per-operation
// accessors.
//
// DESIGN DECISION: static accessor map instead of dynamic dispatch
// WHY: operations are declared once at construction and looked up by
// name. An explicit map of prebuilt accessors keeps every operation's
// entity type and mutation semantics concrete and checkable, with no
// reflection at call time.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/livequery/pkg/config"
	"github.com/united-manufacturing-hub/livequery/pkg/document"
	"github.com/united-manufacturing-hub/livequery/pkg/logger"
	"github.com/united-manufacturing-hub/livequery/pkg/metrics"
	"github.com/united-manufacturing-hub/livequery/pkg/optimizer"
	"github.com/united-manufacturing-hub/livequery/pkg/registry"
	"github.com/united-manufacturing-hub/livequery/pkg/selection"
	"github.com/united-manufacturing-hub/livequery/pkg/store"
	"github.com/united-manufacturing-hub/livequery/pkg/transport"
	"github.com/united-manufacturing-hub/livequery/pkg/update"
)

// ErrUnknownOperation is returned for operations not declared at
// construction.
var ErrUnknownOperation = errors.New("client: unknown operation")

// Operation declares one server operation the client may call.
type Operation struct {
	// Name is the wire-level operation name, unique per client.
	Name string

	// Kind classifies the operation as a query or a mutation.
	Kind optimizer.Kind

	// EntityType is the entity type the operation reads or writes.
	// Empty for operations that do not address a single entity type.
	EntityType string

	// MutationOp is the optimistic semantics of a mutation
	// (create/update/delete). Ignored for queries.
	MutationOp store.OptimisticOp

	// Tags are attached to entities cached through this operation,
	// for tag-based invalidation.
	Tags []string
}

// accessor is the prebuilt per-operation dispatch record.
type accessor struct {
	op Operation
}

// Stats aggregates engine occupancy across the layers.
type Stats struct {
	Entities          int
	Lists             int
	PendingOptimistic int
	Endpoints         int
}

// Client is one sync-engine instance bound to one transport. Multiple
// clients may coexist in a process; they share nothing.
type Client struct {
	cfg       config.Config
	metrics   *metrics.Metrics
	log       *zap.SugaredLogger
	store     *store.Store
	registry  *registry.Registry
	optimizer *optimizer.Optimizer
	transport transport.Transport
	accessors map[string]*accessor
}

// New builds a client over the given transport with the declared
// operations. reg may be nil to run without Prometheus.
func New(cfg config.Config, reg prometheus.Registerer, tr transport.Transport, ops []Operation) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := metrics.New(reg)

	c := &Client{
		cfg:       cfg,
		metrics:   m,
		log:       logger.For(logger.ComponentClient),
		store:     store.New(cfg, m),
		registry:  registry.New(cfg, m, tr),
		optimizer: optimizer.New(cfg, m),
		transport: tr,
		accessors: make(map[string]*accessor, len(ops)),
	}

	for _, op := range ops {
		if op.Name == "" {
			return nil, errors.New("client: operation with empty name")
		}

		if _, dup := c.accessors[op.Name]; dup {
			return nil, fmt.Errorf("client: duplicate operation %q", op.Name)
		}

		if op.Kind == optimizer.KindMutation && op.EntityType == "" {
			return nil, fmt.Errorf("client: mutation %q has no entity type", op.Name)
		}

		c.accessors[op.Name] = &accessor{op: op}
	}

	// Pushed patches and snapshots flow into the store so the entity
	// cache stays warm even for data that arrived via subscription.
	c.registry.OnUpdate = func(entityType, entityID string, u update.Update) {
		if err := c.store.ApplyServerUpdate(entityType, entityID, u); err != nil {
			c.log.Warnw("pushed update rejected", "entity", entityType+":"+entityID, "error", err)
		}
	}

	c.registry.OnSnapshot = func(operation string, data document.Document) {
		c.cacheResult(operation, data)
	}

	return c, nil
}

// Store exposes the entity/list cache for UI bindings (retain/release,
// cell subscriptions, invalidation).
func (c *Client) Store() *store.Store {
	return c.store
}

// FetchOnce performs a one-shot query through the deduplication and
// field-cache layers. The result also lands in the entity store when
// the operation targets an entity type.
func (c *Client) FetchOnce(ctx context.Context, operation string, input interface{}, fields []string) (document.Document, error) {
	acc, err := c.accessor(operation, optimizer.KindQuery)
	if err != nil {
		return nil, err
	}

	req := optimizer.Request{
		Kind:       optimizer.KindQuery,
		Operation:  operation,
		Input:      input,
		Fields:     fields,
		EntityType: acc.op.EntityType,
		EntityID:   entityIDFromInput(input),
	}

	res, err := c.optimizer.Do(ctx, req, c.fetchQuery)
	if err != nil {
		return nil, err
	}

	if !res.FromCache {
		c.cacheResult(operation, res.Data)
	}

	return res.Data, nil
}

// Subscribe opens (or joins) a live subscription for the operation and
// field selection. onData fires with data filtered to sel — first from
// the endpoint's warm snapshot if one exists, then on every pushed
// snapshot. The returned disposer removes the subscriber; dropping the
// last subscriber tears the network subscription down.
func (c *Client) Subscribe(
	ctx context.Context,
	operation string,
	input interface{},
	sel selection.Tree,
	onData func(data document.Document),
) (func(), error) {
	if _, err := c.accessor(operation, optimizer.KindQuery); err != nil {
		return nil, err
	}

	sub := registry.Subscriber{
		ID:        uuid.NewString(),
		Selection: sel,
		OnData:    onData,
	}

	key, _, err := c.registry.AddSubscriber(ctx, operation, input, sub)
	if err != nil {
		return nil, err
	}

	return func() {
		if _, err := c.registry.RemoveSubscriber(key, sub.ID); err != nil {
			c.log.Warnw("unsubscribe failed", "endpoint", key, "error", err)
		}
	}, nil
}

// Mutate performs a mutation with an optimistic local apply: the
// speculative change is visible in the store immediately, confirmed
// with the server's authoritative result on success, and rolled back
// exactly to the prior data on failure (the error is then returned to
// the caller).
func (c *Client) Mutate(ctx context.Context, operation string, input document.Document) (document.Document, error) {
	acc, err := c.accessor(operation, optimizer.KindMutation)
	if err != nil {
		return nil, err
	}

	optimisticID, err := c.store.ApplyOptimistic(acc.op.EntityType, acc.op.MutationOp, input)
	if err != nil {
		return nil, err
	}

	req := optimizer.Request{
		Kind:       optimizer.KindMutation,
		Operation:  operation,
		Input:      input,
		EntityType: acc.op.EntityType,
		EntityID:   input.ID(),
	}

	res, err := c.optimizer.Do(ctx, req, c.fetchMutation)
	if err != nil {
		c.store.RollbackOptimistic(optimisticID)

		return nil, err
	}

	c.store.ConfirmOptimistic(optimisticID, res.Data)

	// The authoritative result always lands in the entity cache, under
	// whatever id the server assigned. This also covers running with
	// optimistic updates disabled, where there is no entry to confirm.
	if acc.op.MutationOp != store.OptimisticDelete {
		c.cacheResult(operation, res.Data)
	}

	return res.Data, nil
}

// Stats returns engine-wide occupancy.
func (c *Client) Stats() Stats {
	s := c.store.Stats()

	return Stats{
		Entities:          s.Entities,
		Lists:             s.Lists,
		PendingOptimistic: s.PendingOptimistic,
		Endpoints:         c.registry.EndpointCount(),
	}
}

// GC runs the store's deferred eviction and returns the number of
// evicted states. Callers pick the moment (idle time, low memory).
func (c *Client) GC() int {
	return c.store.GC()
}

func (c *Client) accessor(operation string, kind optimizer.Kind) (*accessor, error) {
	acc, ok := c.accessors[operation]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}

	if acc.op.Kind != kind {
		return nil, fmt.Errorf("client: operation %q is a %s, not a %s", operation, acc.op.Kind, kind)
	}

	return acc, nil
}

func (c *Client) fetchQuery(ctx context.Context, req optimizer.Request) (document.Document, error) {
	return c.transport.Query(ctx, req.Operation, req.Input, req.Fields)
}

func (c *Client) fetchMutation(ctx context.Context, req optimizer.Request) (document.Document, error) {
	return c.transport.Mutate(ctx, req.Operation, req.Input)
}

// cacheResult stores an operation result in the entity cache when it
// identifies an entity.
func (c *Client) cacheResult(operation string, data document.Document) {
	acc, ok := c.accessors[operation]
	if !ok || acc.op.EntityType == "" {
		return
	}

	id := data.ID()
	if id == "" {
		return
	}

	c.store.SetEntity(acc.op.EntityType, id, data, acc.op.Tags...)
}

// entityIDFromInput extracts the target entity id from a query input:
// a bare string IS the id; an object input is searched for its "id"
// field.
func entityIDFromInput(input interface{}) string {
	switch v := input.(type) {
	case string:
		return v
	case document.Document:
		return v.ID()
	case map[string]interface{}:
		return document.Document(v).ID()
	default:
		return ""
	}
}
