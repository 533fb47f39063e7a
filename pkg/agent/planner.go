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

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/medwatch-ai/fdagent/pkg/llms"
	"github.com/medwatch-ai/fdagent/pkg/params"
	"github.com/medwatch-ai/fdagent/pkg/tools"
)

const plannerSystemPrompt = `You plan FDA device data lookups. Given a question, extracted parameters,
previously resolved entities, and dataset hints, choose a strategy and the tool calls that answer it.

Strategies:
- exact: the question names a specific identifier (K-number, P-number, product code)
- category: the question is about a device type or class
- broad: open-ended exploration across a dataset
- count: the question asks how many / a distribution (use probe_count)
- safety_dossier: a safety inquiry about a specific product code (recalls + events + classification)
- cross-reference: the answer needs joining two datasets

Resolve free-text device, manufacturer, or location names with the resolver tools before searching.
When the question cannot be answered without more information, set clarification to a single question
and no calls. Respond with JSON only.`

// plannedCall is one tool invocation the planner requested.
type plannedCall struct {
	Tool string         `json:"tool" jsonschema:"required,description=Registered tool name"`
	Args map[string]any `json:"args,omitempty" jsonschema:"description=Tool arguments"`
}

// plan is the planner's structured output.
type plan struct {
	Strategy      string        `json:"strategy" jsonschema:"required,enum=exact|category|broad|count|safety_dossier|cross-reference"`
	Endpoint      string        `json:"endpoint,omitempty" jsonschema:"description=Primary dataset for this plan"`
	Calls         []plannedCall `json:"calls,omitempty"`
	Clarification string        `json:"clarification,omitempty" jsonschema:"description=Single question to ask the user instead of answering"`
}

// planner turns a question plus state into a plan, with a deterministic
// fallback when the model fails twice.
type planner struct {
	caller   llms.Caller
	registry *tools.Registry
	schema   map[string]any
	logger   *slog.Logger
}

func newPlanner(caller llms.Caller, registry *tools.Registry, logger *slog.Logger) *planner {
	return &planner{
		caller:   caller,
		registry: registry,
		schema:   reflectSchema[plan](),
		logger:   logger,
	}
}

// plan asks the model for a plan; on two failures it falls back to a
// single search against the strongest dataset hint.
func (p *planner) plan(ctx context.Context, st *state, hints []string) (*plan, llms.Usage, error) {
	req := llms.Request{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: p.plannerContext()},
			{Role: llms.RoleUser, Content: planInput(st, hints)},
		},
		Schema: p.schema,
	}

	var usage llms.Usage
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := p.caller.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, usage, ctx.Err()
			}
			p.logger.Warn("planner call failed", "attempt", attempt+1, "error", err)
			continue
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		parsed, err := p.parse(resp.Content)
		if err != nil {
			p.logger.Warn("planner output unparseable", "attempt", attempt+1, "error", err)
			continue
		}
		return parsed, usage, nil
	}

	fallback, err := fallbackPlan(st, hints)
	if err != nil {
		return nil, usage, err
	}
	p.logger.Warn("planner fell back to hint-based plan", "endpoint", fallback.Endpoint)
	return fallback, usage, nil
}

// plannerContext renders the system prompt plus the tool inventory.
func (p *planner) plannerContext() string {
	var b strings.Builder
	b.WriteString(plannerSystemPrompt)
	b.WriteString("\n\nAvailable tools:\n")
	for _, t := range p.registry.List() {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
	}
	return b.String()
}

func (p *planner) parse(content string) (*plan, error) {
	var out plan
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if !validStrategies[Strategy(out.Strategy)] {
		return nil, fmt.Errorf("unknown strategy %q", out.Strategy)
	}
	if out.Clarification == "" && len(out.Calls) == 0 {
		return nil, fmt.Errorf("plan names no tool calls")
	}
	for _, call := range out.Calls {
		if _, ok := p.registry.Get(call.Tool); !ok {
			return nil, fmt.Errorf("plan names unknown tool %q", call.Tool)
		}
	}
	return &out, nil
}

// planInput renders the turn state the planner reasons over.
func planInput(st *state, hints []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "QUESTION: %s\n", st.question)

	if args := paramsToArgs(st.extracted); len(args) > 0 {
		data, _ := json.Marshal(args)
		fmt.Fprintf(&b, "EXTRACTED PARAMETERS: %s\n", data)
	}
	if low := st.extracted.LowConfidenceFields(); len(low) > 0 {
		fmt.Fprintf(&b, "LOW CONFIDENCE FIELDS: %s\n", strings.Join(low, ", "))
	}
	if !st.context.Empty() {
		data, _ := json.Marshal(st.context)
		fmt.Fprintf(&b, "RESOLVED ENTITIES: %s\n", data)
	}
	if len(hints) > 0 {
		fmt.Fprintf(&b, "DATASET HINTS: %s\n", strings.Join(hints, ", "))
	}
	for _, doc := range st.docs {
		fmt.Fprintf(&b, "DOCUMENTATION: %s\n", doc)
	}
	for _, note := range st.assessorNotes {
		fmt.Fprintf(&b, "PREVIOUS ATTEMPT INSUFFICIENT: %s\n", note)
	}
	return b.String()
}

// endpointTools maps a dataset hint to its default search tool.
var endpointTools = map[string]string{
	"classification":      "search_classifications",
	"510k":                "search_510k",
	"pma":                 "search_pma",
	"enforcement":         "search_recalls",
	"event":               "search_events",
	"udi":                 "search_udi",
	"registrationlisting": "search_registrations",
}

// fallbackPlan builds a single-call plan from the strongest dataset
// hint when the planner model is unavailable.
func fallbackPlan(st *state, hints []string) (*plan, error) {
	endpoint := "classification"
	if len(hints) > 0 {
		endpoint = hints[0]
	}
	tool, ok := endpointTools[endpoint]
	if !ok {
		return nil, fmt.Errorf("no search tool for dataset %q", endpoint)
	}

	args := paramsToArgs(st.extracted)
	if tool == "search_recalls" {
		// The enforcement dataset rejects product codes outright.
		delete(args, "product_code")
	}
	return &plan{
		Strategy: string(StrategyBroad),
		Endpoint: endpoint,
		Calls:    []plannedCall{{Tool: tool, Args: args}},
	}, nil
}

// paramsToArgs flattens extracted parameters into tool arguments,
// dropping the confidence map.
func paramsToArgs(p params.Parameters) map[string]any {
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	delete(out, "confidence")
	return out
}

// stripFences removes a markdown code fence around a JSON payload.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// reflectSchema builds a JSON schema for a structured-output contract.
func reflectSchema[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
