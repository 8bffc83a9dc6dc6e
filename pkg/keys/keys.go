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

// Package keys builds the cache keys the store and optimizer share.
//
// Key stability is load-bearing: two semantically identical requests
// must collide to the same key or deduplication and list caching fall
// apart. Map keys are sorted by the JSON codec and field lists are
// sorted before joining, so argument order never changes a key.
package keys

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
)

// maxKeyLen bounds key size before digesting kicks in. Query inputs
// are usually tiny; the bound only matters for pathological inputs
// (e.g. inlined blobs) that would otherwise bloat the in-flight and
// field-cache maps.
const maxKeyLen = 256

// Entity returns the cache key for a single entity: "type:id".
func Entity(entityType, id string) string {
	return entityType + ":" + id
}

// Query returns the cache key for a query or list:
// "operation:{canonical input}[:sorted,fields]".
//
// The input is serialized with goccy/go-json, which emits map keys in
// sorted order, so the key is independent of map iteration order.
func Query(operation string, input interface{}, fields []string) (string, error) {
	var sb strings.Builder

	sb.WriteString(operation)
	sb.WriteByte(':')

	if input == nil {
		sb.WriteString("null")
	} else {
		raw, err := json.Marshal(input)
		if err != nil {
			return "", fmt.Errorf("keys: failed to serialize query input: %w", err)
		}

		sb.Write(raw)
	}

	if len(fields) > 0 {
		sorted := make([]string, len(fields))
		copy(sorted, fields)
		sort.Strings(sorted)

		sb.WriteByte(':')
		sb.WriteString(strings.Join(sorted, ","))
	}

	return Digest(operation, sb.String()), nil
}

// Digest returns the key unchanged while it is short, and a fixed-size
// xxhash form ("operation:#<hex>") once it exceeds the bound. The
// operation prefix survives digesting so keys stay attributable in
// logs and metrics.
func Digest(operation, key string) string {
	if len(key) <= maxKeyLen {
		return key
	}

	return fmt.Sprintf("%s:#%016x", operation, xxhash.Sum64String(key))
}
