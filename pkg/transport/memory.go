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

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/livequery/pkg/document"
	"github.com/united-manufacturing-hub/livequery/pkg/update"
)

// Memory is an in-process Transport backed by caller-supplied
// functions. It exists for tests and for embedding the engine against
// a local data source: PushData/PushUpdate/PushError feed live
// subscriptions by operation name.
type Memory struct {
	// QueryFunc serves Query calls. Nil means every query fails.
	QueryFunc func(ctx context.Context, operation string, input interface{}, fields []string) (document.Document, error)

	// MutateFunc serves Mutate calls. Nil means every mutation fails.
	MutateFunc func(ctx context.Context, operation string, input interface{}) (document.Document, error)

	mu   sync.Mutex
	subs map[string]*memorySubscription
	next int
}

// NewMemory creates an in-memory transport.
func NewMemory() *Memory {
	return &Memory{subs: map[string]*memorySubscription{}}
}

// Query implements Transport.
func (m *Memory) Query(ctx context.Context, operation string, input interface{}, fields []string) (document.Document, error) {
	if m.QueryFunc == nil {
		return nil, fmt.Errorf("transport: no query handler for %q", operation)
	}

	return m.QueryFunc(ctx, operation, input, fields)
}

// Mutate implements Transport.
func (m *Memory) Mutate(ctx context.Context, operation string, input interface{}) (document.Document, error) {
	if m.MutateFunc == nil {
		return nil, fmt.Errorf("transport: no mutation handler for %q", operation)
	}

	return m.MutateFunc(ctx, operation, input)
}

// Subscribe implements Transport. The subscription is live until
// Unsubscribe; pushed events are matched by operation name.
func (m *Memory) Subscribe(_ context.Context, operation string, input interface{}, fields []string, h Handlers) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	sub := &memorySubscription{
		parent:    m,
		id:        fmt.Sprintf("mem-%d", m.next),
		operation: operation,
		input:     input,
		fields:    append([]string(nil), fields...),
		handlers:  h,
	}
	m.subs[sub.id] = sub

	return sub, nil
}

// ActiveSubscriptions returns the number of live subscriptions.
func (m *Memory) ActiveSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.subs)
}

// SubscribedFields returns the current field selection of the live
// subscriptions for an operation, one slice per subscription.
func (m *Memory) SubscribedFields(operation string) [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]string

	for _, sub := range m.subs {
		if sub.operation == operation {
			out = append(out, append([]string(nil), sub.fields...))
		}
	}

	return out
}

// PushData delivers a full snapshot to every live subscription for the
// operation.
func (m *Memory) PushData(operation string, data document.Document) {
	for _, h := range m.handlersFor(operation) {
		if h.OnData != nil {
			h.OnData(data)
		}
	}
}

// PushUpdate delivers an incremental patch to every live subscription
// for the operation.
func (m *Memory) PushUpdate(operation, entityType, entityID string, u update.Update) {
	for _, h := range m.handlersFor(operation) {
		if h.OnUpdate != nil {
			h.OnUpdate(entityType, entityID, u)
		}
	}
}

// PushError delivers a failure to every live subscription for the
// operation. Subscriptions stay registered.
func (m *Memory) PushError(operation string, err error) {
	for _, h := range m.handlersFor(operation) {
		if h.OnError != nil {
			h.OnError(err)
		}
	}
}

// PushComplete signals clean server-side completion to every live
// subscription for the operation and drops it, the way a server ends a
// finished subscription.
func (m *Memory) PushComplete(operation string) {
	m.mu.Lock()

	var out []Handlers

	for id, sub := range m.subs {
		if sub.operation == operation {
			out = append(out, sub.handlers)
			delete(m.subs, id)
		}
	}
	m.mu.Unlock()

	for _, h := range out {
		if h.OnComplete != nil {
			h.OnComplete()
		}
	}
}

// handlersFor snapshots matching handlers under the lock so callbacks
// run without it and may unsubscribe.
func (m *Memory) handlersFor(operation string) []Handlers {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Handlers

	for _, sub := range m.subs {
		if sub.operation == operation {
			out = append(out, sub.handlers)
		}
	}

	return out
}

type memorySubscription struct {
	parent    *Memory
	input     interface{}
	id        string
	operation string
	fields    []string
	handlers  Handlers
}

func (s *memorySubscription) Unsubscribe() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	delete(s.parent.subs, s.id)

	return nil
}

func (s *memorySubscription) UpdateFields(add, remove []string) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	removed := map[string]struct{}{}
	for _, f := range remove {
		removed[f] = struct{}{}
	}

	var fields []string

	for _, f := range s.fields {
		if _, drop := removed[f]; !drop {
			fields = append(fields, f)
		}
	}

	for _, f := range add {
		fields = append(fields, f)
	}

	s.fields = fields

	return nil
}
