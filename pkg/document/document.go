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

// Package document defines the dynamic entity representation the sync
// engine caches and patches. Server-owned entities arrive as JSON
// objects with an "id" field; the engine never assumes a schema beyond
// that.
package document

import (
	"github.com/tiendc/go-deepcopy"
)

// FieldID is the identifier field every entity document carries.
// Selection filtering always retains it, and arrSetId updates match
// array elements on it.
const FieldID = "id"

// Document is a schemaless entity value.
//
// DESIGN DECISION: map[string]interface{} instead of generated structs
// WHY: The engine caches entities for arbitrary operations defined by
// the server's schema. Field selections, incremental patches, and
// partial field caches all need to address fields by name at runtime.
// TRADE-OFF: No compile-time field checking; callers deserialize into
// typed structs at the UI boundary if they want one.
type Document map[string]interface{}

// ID returns the document's identifier field, or "" if absent or not
// a string.
func (d Document) ID() string {
	if d == nil {
		return ""
	}

	id, _ := d[FieldID].(string)

	return id
}

// Clone returns a deep copy of the document. Returns nil for nil input
// so cloned absence stays absence.
func Clone(d Document) Document {
	if d == nil {
		return nil
	}

	var dst Document
	if err := deepcopy.Copy(&dst, d); err != nil {
		// Documents are plain JSON-shaped values (maps, slices,
		// scalars); deep copy over those cannot fail. A failure here
		// means a non-JSON value leaked into the cache.
		panic("document: deep copy failed: " + err.Error())
	}

	return dst
}

// CloneValue deep-copies an arbitrary JSON-shaped value (object,
// array, or scalar).
func CloneValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}

	var dst interface{}
	if err := deepcopy.Copy(&dst, v); err != nil {
		panic("document: deep copy failed: " + err.Error())
	}

	return dst
}

// Merge shallow-merges src into a copy of dst and returns the result.
// Neither input is mutated. Values taken from src are deep-copied.
func Merge(dst, src Document) Document {
	out := Clone(dst)
	if out == nil {
		out = make(Document, len(src))
	}

	for k, v := range src {
		out[k] = CloneValue(v)
	}

	return out
}
