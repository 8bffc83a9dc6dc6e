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

// Package update implements the patch model the server pushes over
// live subscriptions: small typed instructions that transform a cached
// document incrementally instead of resending it whole.
//
// Apply is pure. It operates on a deep clone and never mutates its
// input, so a failing patch leaves the caller's document intact and
// the store can replace the cached value atomically on success.
package update

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/united-manufacturing-hub/livequery/pkg/document"
)

// Kind identifies a patch operation.
//
// DESIGN DECISION: String constants instead of iota enum
// WHY: Kinds travel on the wire inside update messages; strings
// serialize directly and read well in logs.
// TRADE-OFF: No compiler enforcement of valid values; Apply rejects
// unknown kinds instead.
type Kind string

const (
	// KindSet replaces the value at path, creating intermediate
	// objects as needed.
	KindSet Kind = "set"

	// KindDel deletes the key at path. No-op if the key is absent.
	KindDel Kind = "del"

	// KindMerge shallow-merges an object into the value at path. A
	// non-object target is replaced, not merged.
	KindMerge Kind = "merge"

	// KindPush appends elements to the array at path, creating the
	// array if absent.
	KindPush Kind = "push"

	// KindSplice removes DeleteCount elements at Index, optionally
	// inserting replacements. Out-of-bounds indices clamp.
	KindSplice Kind = "splice"

	// KindArrSetID upserts an element into an array-as-map by the
	// element's id field, preserving position on replace.
	KindArrSetID Kind = "arrSetId"
)

// Patch application failures. These indicate a malformed patch or a
// patch/data shape disagreement, which is a programming error on the
// producing side; the store catches them and keeps the prior value.
var (
	ErrBadPath      = errors.New("update: malformed path")
	ErrTypeMismatch = errors.New("update: type mismatch")
	ErrUnknownKind  = errors.New("update: unknown operation kind")
)

// Update is a single patch operation.
type Update struct {
	Value       interface{}   `json:"value,omitempty"`
	Op          Kind          `json:"op"`
	Path        string        `json:"path"`
	Values      []interface{} `json:"values,omitempty"`
	Index       int           `json:"index,omitempty"`
	DeleteCount int           `json:"deleteCount,omitempty"`
}

// Set builds a set operation. Path may be nested ("user.name").
func Set(path string, value interface{}) Update {
	return Update{Op: KindSet, Path: path, Value: value}
}

// Del builds a delete operation.
func Del(path string) Update {
	return Update{Op: KindDel, Path: path}
}

// MergeOp builds a shallow-merge operation. value must be an object.
func MergeOp(path string, value interface{}) Update {
	return Update{Op: KindMerge, Path: path, Value: value}
}

// Push builds an append operation.
func Push(path string, values ...interface{}) Update {
	return Update{Op: KindPush, Path: path, Values: values}
}

// Splice builds a splice operation removing deleteCount elements at
// index and inserting values in their place.
func Splice(path string, index, deleteCount int, values ...interface{}) Update {
	return Update{Op: KindSplice, Path: path, Index: index, DeleteCount: deleteCount, Values: values}
}

// ArrSetID builds an upsert-by-id operation. element must be an object
// carrying an "id" field.
func ArrSetID(path string, element interface{}) Update {
	return Update{Op: KindArrSetID, Path: path, Value: element}
}

// Apply applies a patch to a document and returns the patched result.
//
// Apply is pure: current is never mutated. The patch is applied to a
// deep clone, so on error the returned document is nil and current is
// guaranteed intact — callers replace their cached value only on
// success.
func Apply(current document.Document, u Update) (document.Document, error) {
	if u.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrBadPath)
	}

	segs := strings.Split(u.Path, ".")
	for _, seg := range segs {
		if seg == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadPath, u.Path)
		}
	}

	root := document.Clone(current)
	if root == nil {
		root = document.Document{}
	}

	parent, key, err := descend(map[string]interface{}(root), segs, u.Op)
	if err != nil {
		return nil, err
	}

	if parent == nil {
		// Deletion path hit a missing intermediate: nothing to do.
		return root, nil
	}

	if err := applyTerminal(parent, key, u); err != nil {
		return nil, err
	}

	return root, nil
}

// descend walks all but the last path segment and returns the parent
// object plus the terminal key. Missing intermediates are created for
// writing operations and short-circuit deletion (nil parent).
func descend(cur map[string]interface{}, segs []string, op Kind) (map[string]interface{}, string, error) {
	for i := 0; i < len(segs)-1; i++ {
		seg := segs[i]

		next, exists := cur[seg]
		if !exists || next == nil {
			if op == KindDel {
				return nil, "", nil
			}

			created := map[string]interface{}{}
			cur[seg] = created
			cur = created

			continue
		}

		obj, ok := asObject(next)
		if !ok {
			return nil, "", fmt.Errorf("%w: segment %q is not an object", ErrTypeMismatch, seg)
		}

		cur = obj
	}

	return cur, segs[len(segs)-1], nil
}

func applyTerminal(parent map[string]interface{}, key string, u Update) error {
	switch u.Op {
	case KindSet:
		parent[key] = document.CloneValue(u.Value)

	case KindDel:
		delete(parent, key)

	case KindMerge:
		return applyMerge(parent, key, u.Value)

	case KindPush:
		return applyPush(parent, key, u.Values)

	case KindSplice:
		return applySplice(parent, key, u)

	case KindArrSetID:
		return applyArrSetID(parent, key, u.Value)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, u.Op)
	}

	return nil
}

func applyMerge(parent map[string]interface{}, key string, value interface{}) error {
	src, ok := asObject(value)
	if !ok {
		return fmt.Errorf("%w: merge value must be an object", ErrTypeMismatch)
	}

	target, exists := parent[key]
	if exists {
		if obj, isObj := asObject(target); isObj {
			for k, v := range src {
				obj[k] = document.CloneValue(v)
			}

			return nil
		}
	}

	// Absent or non-object target: replace.
	parent[key] = document.CloneValue(value)

	return nil
}

func applyPush(parent map[string]interface{}, key string, values []interface{}) error {
	target, exists := parent[key]
	if !exists || target == nil {
		parent[key] = cloneElements(values)

		return nil
	}

	arr, ok := target.([]interface{})
	if !ok {
		return fmt.Errorf("%w: push target at %q is not an array", ErrTypeMismatch, key)
	}

	parent[key] = append(arr, cloneElements(values)...)

	return nil
}

func applySplice(parent map[string]interface{}, key string, u Update) error {
	var arr []interface{}

	if target, exists := parent[key]; exists && target != nil {
		var ok bool
		if arr, ok = target.([]interface{}); !ok {
			return fmt.Errorf("%w: splice target at %q is not an array", ErrTypeMismatch, key)
		}
	}

	idx := u.Index
	if idx < 0 {
		idx = 0
	}

	if idx > len(arr) {
		idx = len(arr)
	}

	dc := u.DeleteCount
	if dc < 0 {
		dc = 0
	}

	if dc > len(arr)-idx {
		dc = len(arr) - idx
	}

	result := make([]interface{}, 0, len(arr)-dc+len(u.Values))
	result = append(result, arr[:idx]...)
	result = append(result, cloneElements(u.Values)...)
	result = append(result, arr[idx+dc:]...)

	parent[key] = result

	return nil
}

func applyArrSetID(parent map[string]interface{}, key string, element interface{}) error {
	elem, ok := asObject(element)
	if !ok {
		return fmt.Errorf("%w: arrSetId element must be an object", ErrTypeMismatch)
	}

	id, hasID := elem[document.FieldID]
	if !hasID {
		return fmt.Errorf("%w: arrSetId element has no %q field", ErrTypeMismatch, document.FieldID)
	}

	target, exists := parent[key]
	if !exists || target == nil {
		parent[key] = []interface{}{document.CloneValue(element)}

		return nil
	}

	arr, ok := target.([]interface{})
	if !ok {
		return fmt.Errorf("%w: arrSetId target at %q is not an array", ErrTypeMismatch, key)
	}

	for i, existing := range arr {
		obj, isObj := asObject(existing)
		if !isObj {
			continue
		}

		if reflect.DeepEqual(obj[document.FieldID], id) {
			// Replace in place so the element keeps its position.
			arr[i] = document.CloneValue(element)

			return nil
		}
	}

	parent[key] = append(arr, document.CloneValue(element))

	return nil
}

func cloneElements(values []interface{}) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = document.CloneValue(v)
	}

	return out
}

// asObject normalizes the two object representations that occur inside
// cached documents (plain maps from JSON decoding and the named
// Document type). The returned map aliases the input, so mutations are
// visible to the holder.
func asObject(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case document.Document:
		return map[string]interface{}(t), true
	default:
		return nil, false
	}
}
