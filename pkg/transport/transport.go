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

// Package transport defines the network boundary the sync engine talks
// through: one-shot queries, mutations, and live subscriptions with
// pushed data and patches. The engine depends only on the Transport
// interface; concrete implementations (websocket, in-memory) live in
// this package too.
package transport

import (
	"context"
	"errors"

	"github.com/united-manufacturing-hub/livequery/pkg/document"
	"github.com/united-manufacturing-hub/livequery/pkg/update"
)

// ErrClosed is returned by operations on a transport that has been
// shut down.
var ErrClosed = errors.New("transport: closed")

// Handlers receives pushed events for one live subscription. All
// fields are optional; nil handlers are skipped.
type Handlers struct {
	// OnData delivers a full entity snapshot for the subscription's
	// merged field selection. A nil document is a valid delivery (the
	// entity resolved to nothing).
	OnData func(data document.Document)

	// OnUpdate delivers an incremental patch to the current snapshot.
	OnUpdate func(entityType, entityID string, u update.Update)

	// OnError delivers a subscription failure. The subscription stays
	// registered; the server may resume it.
	OnError func(err error)

	// OnComplete signals the server closed the subscription normally.
	OnComplete func()
}

// Subscription is the live handle returned by Subscribe.
type Subscription interface {
	// Unsubscribe tears the subscription down. Safe to call more than
	// once.
	Unsubscribe() error

	// UpdateFields changes the subscription's field selection in place,
	// adding and removing the given dotted field paths, without losing
	// pushed updates in between.
	UpdateFields(add, remove []string) error
}

// Transport is the network dependency of the sync engine.
type Transport interface {
	// Query performs a one-shot read. fields restricts the response to
	// the given dotted field paths; an empty slice requests the full
	// entity.
	Query(ctx context.Context, operation string, input interface{}, fields []string) (document.Document, error)

	// Mutate performs a write and returns the authoritative result.
	Mutate(ctx context.Context, operation string, input interface{}) (document.Document, error)

	// Subscribe opens a live subscription for the operation and field
	// selection. Events arrive via h until Unsubscribe or OnComplete.
	Subscribe(ctx context.Context, operation string, input interface{}, fields []string, h Handlers) (Subscription, error)
}
