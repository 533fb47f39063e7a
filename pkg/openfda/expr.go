// Copyright 2025 Kadir Pekel
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

package openfda

import (
	"fmt"
	"strings"
)

// Expr builds an openFDA filter expression: field:value clauses joined
// by AND, with quoted multi-word literals and [lo TO hi] date ranges.
// The rendered expression is recorded verbatim in tool provenance;
// URL escaping (including + as %2B) happens at request time.
type Expr struct {
	clauses []string
}

// Term adds field:value. Multi-word values are quoted. Empty values
// are ignored so callers can add optional parameters unconditionally.
func (e *Expr) Term(field, value string) *Expr {
	if value == "" {
		return e
	}
	e.clauses = append(e.clauses, field+":"+quote(value))
	return e
}

// AnyTerm adds an OR group over several values for one field:
// (field:a OR field:b). Used when a resolver yields multiple product
// codes.
func (e *Expr) AnyTerm(field string, values []string) *Expr {
	switch len(values) {
	case 0:
		return e
	case 1:
		return e.Term(field, values[0])
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = field + ":" + quote(v)
	}
	e.clauses = append(e.clauses, "("+strings.Join(parts, " OR ")+")")
	return e
}

// Range adds field:[lo TO hi]. Open ends are filled with the dataset
// epoch / far future so partially-specified date filters still render.
func (e *Expr) Range(field, lo, hi string) *Expr {
	if lo == "" && hi == "" {
		return e
	}
	if lo == "" {
		lo = "19000101"
	}
	if hi == "" {
		hi = "30000101"
	}
	e.clauses = append(e.clauses, fmt.Sprintf("%s:[%s TO %s]", field, lo, hi))
	return e
}

// Empty reports whether no clause has been added.
func (e *Expr) Empty() bool { return len(e.clauses) == 0 }

// String renders the expression with AND conjunctions.
func (e *Expr) String() string {
	return strings.Join(e.clauses, " AND ")
}

// quote wraps multi-word literals in double quotes.
func quote(v string) string {
	if strings.ContainsAny(v, " \t") {
		return `"` + v + `"`
	}
	return v
}
