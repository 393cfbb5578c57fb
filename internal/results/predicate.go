/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package results

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// ErrNotBool is returned when a predicate evaluates to something other than a bool.
var ErrNotBool = errors.New("predicate did not evaluate to a bool")

// Predicate is a compiled CEL filter. Expressions see two variables:
// object, a map of the attribute values, and id, the object id.
//
//	object.age >= 18 && object.team == "ops"
type Predicate struct {
	Expression string
	program    cel.Program
}

// CompilePredicate parses and checks expr. An empty expression matches everything.
func CompilePredicate(expr string) (*Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Predicate{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("object", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling predicate %q: %w", expr, issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating program: %w", err)
	}
	return &Predicate{Expression: expr, program: p}, nil
}

// Match evaluates the predicate. Evaluation errors, such as comparing an
// unset attribute, are returned so callers can decide; ResultSet treats them
// as no match.
func (p *Predicate) Match(id string, vals map[string]any) (bool, error) {
	if p == nil || p.program == nil {
		return true, nil
	}
	out, _, err := p.program.Eval(map[string]any{
		"object": vals,
		"id":     id,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating predicate: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %v", ErrNotBool, out.Type())
	}
	return b, nil
}
