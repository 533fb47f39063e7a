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

package assess

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medwatch-ai/fdagent/pkg/llms"
	"github.com/medwatch-ai/fdagent/pkg/params"
	"github.com/medwatch-ai/fdagent/pkg/tools"
)

func TestSufficiencyRules(t *testing.T) {
	tests := []struct {
		name       string
		in         Input
		sufficient bool
		reason     string
	}{
		{
			name: "class token without class filter",
			in: Input{
				Question:       "show me class II recalls of pumps",
				Extracted:      params.Parameters{DeviceName: "pump"},
				ResultCount:    12,
				ToolsSucceeded: true,
			},
			sufficient: false,
			reason:     "missing class filter",
		},
		{
			name: "class token with recall class filter",
			in: Input{
				Question:       "show me class II recalls of pumps",
				Extracted:      params.Parameters{DeviceName: "pump", RecallClass: "Class II"},
				ResultCount:    12,
				ToolsSucceeded: true,
			},
			sufficient: true,
			reason:     "results available",
		},
		{
			name: "temporal token without date filter",
			in: Input{
				Question:       "recent clearances for Medtronic",
				Extracted:      params.Parameters{Applicant: "Medtronic"},
				ResultCount:    5,
				ToolsSucceeded: true,
			},
			sufficient: false,
			reason:     "missing date filter",
		},
		{
			name: "zero results with plausible filters",
			in: Input{
				Question:       "recalls of the AcmeGuard 9000",
				Extracted:      params.Parameters{DeviceName: "AcmeGuard 9000"},
				ResultCount:    0,
				ToolsSucceeded: true,
			},
			sufficient: true,
			reason:     "no matching records",
		},
		{
			name: "zero results with no filters",
			in: Input{
				Question:       "anything interesting?",
				Extracted:      params.Parameters{},
				ResultCount:    0,
				ToolsSucceeded: true,
			},
			sufficient: false,
			reason:     "no filters extracted",
		},
		{
			name: "zero results because every tool failed",
			in: Input{
				Question:       "recalls of pacemakers",
				Extracted:      params.Parameters{DeviceName: "pacemaker"},
				ResultCount:    0,
				ToolsSucceeded: false,
			},
			sufficient: false,
			reason:     "all tool calls failed",
		},
		{
			name: "results with no special tokens",
			in: Input{
				Question:       "who makes surgical masks",
				Extracted:      params.Parameters{DeviceName: "surgical mask"},
				ResultCount:    30,
				ToolsSucceeded: true,
			},
			sufficient: true,
			reason:     "results available",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Check(tt.in)
			assert.Equal(t, tt.sufficient, v.Sufficient)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestNumericClassTokenCounts(t *testing.T) {
	v := Check(Input{
		Question:       "class 2 devices from Germany",
		Extracted:      params.Parameters{Country: "Germany"},
		ResultCount:    8,
		ToolsSucceeded: true,
	})
	assert.False(t, v.Sufficient)
	assert.Equal(t, "missing class filter", v.Reason)
}

type stubCaller struct {
	content string
	err     error
	calls   int
}

func (s *stubCaller) Model() string { return "stub" }

func (s *stubCaller) Complete(ctx context.Context, req llms.Request) (*llms.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llms.Response{Content: s.content, Usage: llms.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func TestGuardrailRewrites(t *testing.T) {
	draft := "There were 12 Class II recalls of infusion pumps in 2024, all initiated by Acme Corp."
	caller := &stubCaller{content: "There were 12 Class II recalls of infusion pumps in 2024. The recalling firms are not identified in the data."}

	g := NewGuardrail(caller, nil)
	final, usage := g.Review(context.Background(), draft, nil, nil)
	assert.Equal(t, caller.content, final)
	assert.Equal(t, 10, usage.InputTokens)
}

func TestGuardrailNeverEmpties(t *testing.T) {
	draft := "Twelve recalls match the filters; the most recent was initiated in March 2024."

	t.Run("empty rewrite keeps draft", func(t *testing.T) {
		g := NewGuardrail(&stubCaller{content: "   "}, nil)
		final, _ := g.Review(context.Background(), draft, nil, nil)
		assert.Equal(t, draft, final)
	})

	t.Run("truncated rewrite keeps draft", func(t *testing.T) {
		g := NewGuardrail(&stubCaller{content: "No."}, nil)
		final, _ := g.Review(context.Background(), draft, nil, nil)
		assert.Equal(t, draft, final)
	})

	t.Run("provider error keeps draft", func(t *testing.T) {
		g := NewGuardrail(&stubCaller{err: errors.New("unavailable")}, nil)
		final, _ := g.Review(context.Background(), draft, nil, nil)
		assert.Equal(t, draft, final)
	})

	t.Run("nil caller keeps draft", func(t *testing.T) {
		g := NewGuardrail(nil, nil)
		final, _ := g.Review(context.Background(), draft, nil, nil)
		assert.Equal(t, draft, final)
	})
}

func TestGuardrailInputTruncatesToolOutput(t *testing.T) {
	big := strings.Repeat("x", 10000)
	calls := []tools.CallRecord{
		{ToolName: "search_recalls", Result: &tools.Result{Endpoint: "enforcement", QueryExpression: big}},
		{ToolName: "search_events", Error: "timeout"},
	}
	in := guardrailInput("draft", calls, nil)
	assert.Less(t, len(in), 6000)
	assert.Contains(t, in, "search_events failed: timeout")
}

func TestAcceptRewrite(t *testing.T) {
	draft := strings.Repeat("a", 100)
	assert.False(t, acceptRewrite(draft, ""))
	assert.False(t, acceptRewrite(draft, strings.Repeat("b", 39)))
	assert.True(t, acceptRewrite(draft, strings.Repeat("b", 40)))
}
