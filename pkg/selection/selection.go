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

// Package selection models per-subscriber field selections: which
// fields of an entity (recursively, through relations) a consumer
// wants. The registry merges selections across subscribers and filters
// delivered data back down to each subscriber's own selection.
package selection

import (
	"sort"

	"github.com/united-manufacturing-hub/livequery/pkg/document"
)

// Tree is a recursive field selection. A nil child selects the whole
// field; a non-nil child selects into a nested object or relation.
//
//	Tree{"name": nil, "posts": Tree{"title": nil}}
//
// selects name plus posts.title. At the top level a nil Tree is
// treated as an empty selection.
type Tree map[string]Tree

// Clone returns a deep copy of the tree.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}

	out := make(Tree, len(t))
	for name, child := range t {
		out[name] = child.Clone()
	}

	return out
}

// Merge returns the union of two selections. Merging never removes a
// field: every field selected by either input is selected by the
// result. When one side selects a field whole (nil child) and the
// other selects into it, the whole-field selection wins because it is
// the superset.
func Merge(a, b Tree) Tree {
	if a == nil && b == nil {
		return Tree{}
	}

	out := a.Clone()
	if out == nil {
		out = Tree{}
	}

	for name, child := range b {
		existing, present := out[name]
		if !present {
			out[name] = child.Clone()

			continue
		}

		if existing == nil || child == nil {
			out[name] = nil

			continue
		}

		out[name] = Merge(existing, child)
	}

	return out
}

// Paths flattens a selection into sorted dotted field paths. Nested
// selections contribute both the parent path and every leaf path
// ("posts", "posts.title"), so expanding a nested selection is
// classified as an addition, never as "unchanged".
func Paths(t Tree) []string {
	var out []string

	collectPaths(t, "", &out)
	sort.Strings(out)

	return out
}

func collectPaths(t Tree, prefix string, out *[]string) {
	for name, child := range t {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}

		*out = append(*out, path)

		if child != nil {
			collectPaths(child, path, out)
		}
	}
}

// Filter projects data down to the selection: the result contains
// exactly the entity's identifier field plus the selected fields,
// recursing through nested objects and arrays of objects. Filtering is
// idempotent. Nil data passes through as nil.
func Filter(data document.Document, t Tree) document.Document {
	if data == nil {
		return nil
	}

	out := document.Document{}

	// The identifier is always retained so consumers can correlate
	// updates even when they did not select it.
	if id, ok := data[document.FieldID]; ok {
		out[document.FieldID] = document.CloneValue(id)
	}

	for name, child := range t {
		v, ok := data[name]
		if !ok {
			continue
		}

		if child == nil {
			out[name] = document.CloneValue(v)

			continue
		}

		out[name] = filterValue(v, child)
	}

	return out
}

func filterValue(v interface{}, t Tree) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(Filter(document.Document(tv), t))
	case document.Document:
		return map[string]interface{}(Filter(tv, t))
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, elem := range tv {
			out[i] = filterValue(elem, t)
		}

		return out
	default:
		// Scalar under a nested selection: nothing to select into,
		// pass the value through.
		return document.CloneValue(v)
	}
}

// Analysis is the field-path set difference between two selections.
type Analysis struct {
	Added   []string
	Removed []string
}

// HasChanges reports whether any path was added or removed.
func (a Analysis) HasChanges() bool {
	return len(a.Added) > 0 || len(a.Removed) > 0
}

// Analyze computes which flattened field paths the new selection adds
// and removes relative to the old one.
func Analyze(oldTree, newTree Tree) Analysis {
	oldPaths := toSet(Paths(oldTree))
	newPaths := toSet(Paths(newTree))

	analysis := Analysis{}

	for p := range newPaths {
		if _, ok := oldPaths[p]; !ok {
			analysis.Added = append(analysis.Added, p)
		}
	}

	for p := range oldPaths {
		if _, ok := newPaths[p]; !ok {
			analysis.Removed = append(analysis.Removed, p)
		}
	}

	sort.Strings(analysis.Added)
	sort.Strings(analysis.Removed)

	return analysis
}

func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}

	return set
}
