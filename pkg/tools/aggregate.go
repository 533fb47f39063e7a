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
	"context"
	"fmt"

	"github.com/medwatch-ai/fdagent/pkg/openfda"
)

// CountDistribution is the structured payload of a probe_count call.
type CountDistribution struct {
	Field   string              `json:"field"`
	Buckets []openfda.TermCount `json:"buckets"`
}

func (CountDistribution) StructuredKind() string { return "count_distribution" }

// ProbeCountArgs selects the dataset, the aggregation field, and an
// optional filter built from the shared search arguments.
type ProbeCountArgs struct {
	Endpoint string     `json:"endpoint" jsonschema:"required,description=Dataset to aggregate over,enum=classification|510k|pma|enforcement|event|udi|registrationlisting"`
	Field    string     `json:"field" jsonschema:"required,description=Field to count distinct values of (use .exact for keyword buckets)"`
	Filter   SearchArgs `json:"filter,omitempty" jsonschema:"description=Optional filter narrowing the aggregation"`
	Limit    int        `json:"limit,omitempty" jsonschema:"description=Max buckets to return"`
}

type probeCountTool struct {
	client *openfda.Client
}

// NewProbeCountTool builds the aggregation probe. An empty bucket list
// is a legitimate answer (the filter matched nothing) and is returned
// as-is, never retried.
func NewProbeCountTool(client *openfda.Client) Tool {
	return &probeCountTool{client: client}
}

func (t *probeCountTool) Name() string { return "probe_count" }

func (t *probeCountTool) Description() string {
	return "Aggregate a dataset field into value buckets, for example recalls per year or registrations per country."
}

func (t *probeCountTool) Parameters() map[string]any { return argsSchema[ProbeCountArgs]() }

func (t *probeCountTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var a ProbeCountArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Field == "" {
		return nil, fmt.Errorf("probe_count needs a field to aggregate")
	}
	ep, err := endpointFor(a.Endpoint)
	if err != nil {
		return nil, err
	}
	build := exprBuilders[ep]
	expr, err := build(a.Filter)
	if err != nil {
		return nil, err
	}
	buckets, meta, err := t.client.Count(ctx, ep, a.Field, expr.String(), a.Limit)
	if err != nil {
		return nil, err
	}
	return &Result{
		Endpoint:        string(ep),
		QueryExpression: expr.String(),
		Meta:            meta,
		Structured:      CountDistribution{Field: a.Field, Buckets: buckets},
	}, nil
}

// PaginateArgs reuses the shared search arguments and adds a record
// cap for the multi-page fetch.
type PaginateArgs struct {
	Endpoint string     `json:"endpoint" jsonschema:"required,description=Dataset to page through,enum=classification|510k|pma|enforcement|event|udi|registrationlisting"`
	Filter   SearchArgs `json:"filter" jsonschema:"required,description=Filter narrowing the result set"`
	Cap      int        `json:"cap,omitempty" jsonschema:"description=Hard cap on total records fetched,maximum=1000"`
}

type paginateTool struct {
	client *openfda.Client
}

// NewPaginateTool builds the multi-page fetch tool. It goes through
// the same per-endpoint expression builders as the search tools, so
// every dataset policy applies here too.
func NewPaginateTool(client *openfda.Client) Tool {
	return &paginateTool{client: client}
}

func (t *paginateTool) Name() string { return "paginate" }

func (t *paginateTool) Description() string {
	return "Fetch successive result pages from a dataset up to a record cap, for questions needing more than one page."
}

func (t *paginateTool) Parameters() map[string]any { return argsSchema[PaginateArgs]() }

func (t *paginateTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var a PaginateArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	ep, err := endpointFor(a.Endpoint)
	if err != nil {
		return nil, err
	}
	expr, err := exprBuilders[ep](a.Filter)
	if err != nil {
		return nil, err
	}
	if expr.Empty() {
		return nil, fmt.Errorf("paginate needs at least one filter")
	}
	resp, err := t.client.Paginate(ctx, ep, expr.String(), a.Cap)
	if err != nil {
		return nil, err
	}
	return &Result{
		Endpoint:        string(ep),
		QueryExpression: expr.String(),
		Meta:            resp.Meta,
		Results:         resp.Results,
	}, nil
}

// endpointFor resolves a dataset name argument to its endpoint.
func endpointFor(name string) (openfda.Endpoint, error) {
	for _, ep := range openfda.Endpoints {
		if string(ep) == name {
			return ep, nil
		}
	}
	return "", fmt.Errorf("unknown dataset %q", name)
}

// RegisterAggregateTools adds probe_count and paginate to the registry.
func RegisterAggregateTools(registry *Registry, client *openfda.Client) error {
	for _, t := range []Tool{NewProbeCountTool(client), NewPaginateTool(client)} {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}
