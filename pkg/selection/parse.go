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

package selection

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Selection strings use GraphQL selection-set syntax. Only plain
// nested field selections are meaningful to the engine.
var (
	ErrEmptySelection = errors.New("selection: empty selection")
	ErrUnsupported    = errors.New("selection: unsupported selection syntax")
)

// Parse parses a GraphQL-style selection string into a Tree:
//
//	Parse("{ name email posts { title createdAt } }")
//
// Fragments, arguments, directives, and aliases are rejected — the
// engine subscribes to fields, it does not resolve them.
func Parse(src string) (Tree, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "selection", Input: src})
	if err != nil {
		return nil, fmt.Errorf("selection: parse failed: %w", err)
	}

	if len(doc.Operations) != 1 {
		return nil, fmt.Errorf("%w: expected a single selection set", ErrUnsupported)
	}

	tree, err := fromSelectionSet(doc.Operations[0].SelectionSet)
	if err != nil {
		return nil, err
	}

	if len(tree) == 0 {
		return nil, ErrEmptySelection
	}

	return tree, nil
}

// MustParse is Parse for statically known selections; it panics on
// error.
func MustParse(src string) Tree {
	tree, err := Parse(src)
	if err != nil {
		panic(err)
	}

	return tree
}

func fromSelectionSet(set ast.SelectionSet) (Tree, error) {
	tree := make(Tree, len(set))

	for _, sel := range set {
		field, ok := sel.(*ast.Field)
		if !ok {
			return nil, fmt.Errorf("%w: fragments are not supported", ErrUnsupported)
		}

		if len(field.Arguments) > 0 {
			return nil, fmt.Errorf("%w: field %q carries arguments", ErrUnsupported, field.Name)
		}

		if field.Alias != "" && field.Alias != field.Name {
			return nil, fmt.Errorf("%w: field %q is aliased", ErrUnsupported, field.Name)
		}

		if len(field.SelectionSet) == 0 {
			tree[field.Name] = nil

			continue
		}

		child, err := fromSelectionSet(field.SelectionSet)
		if err != nil {
			return nil, err
		}

		tree[field.Name] = child
	}

	return tree, nil
}
