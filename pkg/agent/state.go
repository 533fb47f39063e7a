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

// Package agent runs the question-answering state machine: plan,
// dispatch tools, assess sufficiency, draft the answer, guard it.
package agent

import (
	"time"

	"github.com/medwatch-ai/fdagent/pkg/params"
	"github.com/medwatch-ai/fdagent/pkg/resolver"
	"github.com/medwatch-ai/fdagent/pkg/session"
	"github.com/medwatch-ai/fdagent/pkg/tools"
)

// Strategy tags the plan the planner chose.
type Strategy string

const (
	StrategyExact          Strategy = "exact"
	StrategyCategory       Strategy = "category"
	StrategyBroad          Strategy = "broad"
	StrategyCount          Strategy = "count"
	StrategySafetyDossier  Strategy = "safety_dossier"
	StrategyCrossReference Strategy = "cross-reference"
)

var validStrategies = map[Strategy]bool{
	StrategyExact:          true,
	StrategyCategory:       true,
	StrategyBroad:          true,
	StrategyCount:          true,
	StrategySafetyDossier:  true,
	StrategyCrossReference: true,
}

// state is one turn's working memory. The planner and assessor observe
// snapshots; only dispatch mutates the resolver context.
type state struct {
	question  string
	history   []session.Message
	extracted params.Parameters
	context   resolver.Context
	toolCalls []tools.CallRecord
	retries   int
	endpoint  string
	strategy  Strategy

	// assessorNotes accumulates insufficiency reasons fed back to the
	// planner on re-plans.
	assessorNotes []string

	// docs holds retrieved documentation snippets the planner reads to
	// pick fields and datasets.
	docs []string
}

// ProvenanceEntry records where one tool's answer data came from.
type ProvenanceEntry struct {
	Tool            string `json:"tool"`
	Endpoint        string `json:"endpoint,omitempty"`
	QueryExpression string `json:"query_expression,omitempty"`
	ResultCount     int    `json:"result_count"`
	LastUpdated     string `json:"last_updated,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Answer is the turn's final output.
type Answer struct {
	SessionID  string            `json:"session_id"`
	Text       string            `json:"answer"`
	Structured []tools.Structured `json:"structured_data,omitempty"`
	Provenance []ProvenanceEntry `json:"provenance"`
	Usage      UsageReport       `json:"usage"`
}

// UsageReport is the per-turn slice of the session's accounting.
type UsageReport struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	LLMCalls     int64   `json:"llm_calls"`
	CostUSD      float64 `json:"cost_usd"`
}

// EventType identifies a streaming event.
type EventType string

const (
	EventStart      EventType = "start"
	EventThinking   EventType = "thinking"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// Event is one streaming update during a turn.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Answer    *Answer   `json:"answer,omitempty"`
}

// provenance summarizes the turn's tool calls in call order.
func provenance(calls []tools.CallRecord) []ProvenanceEntry {
	out := make([]ProvenanceEntry, 0, len(calls))
	for _, call := range calls {
		entry := ProvenanceEntry{Tool: call.ToolName, Error: call.Error}
		if call.Result != nil {
			entry.Endpoint = call.Result.Endpoint
			entry.QueryExpression = call.Result.QueryExpression
			entry.ResultCount = call.Result.Meta.Total
			entry.LastUpdated = call.Result.Meta.LastUpdated
		}
		out = append(out, entry)
	}
	return out
}

// resultCount totals the records across successful calls; resolver
// calls contribute their match counts through structured payloads.
func resultCount(calls []tools.CallRecord) int {
	total := 0
	for _, call := range calls {
		if call.Result == nil {
			continue
		}
		if call.Result.Meta.Total > 0 {
			total += call.Result.Meta.Total
			continue
		}
		total += len(call.Result.Results)
	}
	return total
}

// anySucceeded reports whether at least one call completed without error.
func anySucceeded(calls []tools.CallRecord) bool {
	for _, call := range calls {
		if call.Error == "" {
			return true
		}
	}
	return len(calls) == 0
}
