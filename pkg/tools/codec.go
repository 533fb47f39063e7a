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

package tools

import (
	"encoding/json"
	"fmt"

	"github.com/medwatch-ai/fdagent/pkg/resolver"
)

// structuredEnvelope carries a Structured payload with its kind so the
// session store can round-trip tool results through JSON.
type structuredEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// structuredDecoders maps a kind string back to its concrete type.
var structuredDecoders = map[string]func(json.RawMessage) (Structured, error){
	CountDistribution{}.StructuredKind(): func(data json.RawMessage) (Structured, error) {
		var v CountDistribution
		return v, json.Unmarshal(data, &v)
	},
	(&resolver.ResolvedEntities{}).StructuredKind(): func(data json.RawMessage) (Structured, error) {
		var v resolver.ResolvedEntities
		return &v, json.Unmarshal(data, &v)
	},
	(&resolver.ManufacturerGroups{}).StructuredKind(): func(data json.RawMessage) (Structured, error) {
		var v resolver.ManufacturerGroups
		return &v, json.Unmarshal(data, &v)
	},
	(&resolver.LocationContext{}).StructuredKind(): func(data json.RawMessage) (Structured, error) {
		var v resolver.LocationContext
		return &v, json.Unmarshal(data, &v)
	},
}

// resultJSON mirrors Result with the structured payload enveloped.
type resultJSON struct {
	Endpoint        string              `json:"endpoint,omitempty"`
	QueryExpression string              `json:"query_expression,omitempty"`
	Meta            json.RawMessage     `json:"meta,omitempty"`
	Results         []map[string]any    `json:"results,omitempty"`
	Structured      *structuredEnvelope `json:"structured,omitempty"`
}

// MarshalJSON wraps the structured payload in a kind envelope.
func (r Result) MarshalJSON() ([]byte, error) {
	meta, err := json.Marshal(r.Meta)
	if err != nil {
		return nil, err
	}
	out := resultJSON{
		Endpoint:        r.Endpoint,
		QueryExpression: r.QueryExpression,
		Meta:            meta,
		Results:         r.Results,
	}
	if r.Structured != nil {
		data, err := json.Marshal(r.Structured)
		if err != nil {
			return nil, err
		}
		out.Structured = &structuredEnvelope{Kind: r.Structured.StructuredKind(), Data: data}
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the structured payload from its kind envelope.
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Endpoint = in.Endpoint
	r.QueryExpression = in.QueryExpression
	r.Results = in.Results
	if len(in.Meta) > 0 {
		if err := json.Unmarshal(in.Meta, &r.Meta); err != nil {
			return err
		}
	}
	r.Structured = nil
	if in.Structured != nil {
		decode, ok := structuredDecoders[in.Structured.Kind]
		if !ok {
			return fmt.Errorf("unknown structured payload kind %q", in.Structured.Kind)
		}
		v, err := decode(in.Structured.Data)
		if err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", in.Structured.Kind, err)
		}
		r.Structured = v
	}
	return nil
}
