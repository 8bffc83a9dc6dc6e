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

// Package cell provides the minimal observable primitive the store and
// registry build on: a value with get/set/subscribe semantics. UI
// bindings subscribe to cells; the engine never exposes its internal
// maps directly.
package cell

import (
	"sync"
)

// Cell is an observable value.
//
// Subscribers are notified synchronously on every Set and every
// effective Update. Callbacks run
// outside the cell's lock, so a callback may call back into the cell
// (or into the store that owns it) without deadlocking.
type Cell[T any] struct {
	subs   map[int]func(T)
	value  T
	nextID int
	mu     sync.Mutex
}

// New creates a cell holding the given initial value.
func New[T any](initial T) *Cell[T] {
	return &Cell[T]{
		value: initial,
		subs:  make(map[int]func(T)),
	}
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.value
}

// Set replaces the current value and notifies all subscribers.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.value = v

	// Snapshot the subscriber list so callbacks run without the lock
	// and may themselves subscribe/unsubscribe.
	callbacks := make([]func(T), 0, len(c.subs))
	for _, fn := range c.subs {
		callbacks = append(callbacks, fn)
	}
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(v)
	}
}

// Update atomically replaces the value with fn(current). fn runs under
// the cell's lock, so concurrent read-modify-write transitions cannot
// lose each other's writes; it must not call back into the cell. When
// fn reports false the value is left untouched and subscribers are not
// notified. The resulting value is returned either way.
func (c *Cell[T]) Update(fn func(T) (T, bool)) T {
	c.mu.Lock()

	next, changed := fn(c.value)
	if !changed {
		cur := c.value
		c.mu.Unlock()

		return cur
	}

	c.value = next

	callbacks := make([]func(T), 0, len(c.subs))
	for _, cb := range c.subs {
		callbacks = append(callbacks, cb)
	}
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(next)
	}

	return next
}

// Subscribe registers a callback invoked on every Set. The returned
// disposer removes the subscription; calling it more than once is a
// no-op.
func (c *Cell[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// SubscriberCount returns the number of active subscriptions.
func (c *Cell[T]) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.subs)
}
