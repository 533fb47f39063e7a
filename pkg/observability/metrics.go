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

// Package observability wires prometheus metrics and otel tracing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the agent's prometheus instruments.
type Metrics struct {
	ToolCalls         *prometheus.CounterVec
	ToolErrors        *prometheus.CounterVec
	ToolLatency       *prometheus.HistogramVec
	LLMCalls          *prometheus.CounterVec
	LLMLatency        prometheus.Histogram
	PlannerRetries    prometheus.Counter
	GuardrailRewrites prometheus.Counter
	RetrieverLatency  prometheus.Histogram
	TurnsTotal        *prometheus.CounterVec
}

// NewMetrics registers the instruments with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fdagent_tool_calls_total",
			Help: "Tool invocations by tool name.",
		}, []string{"tool"}),
		ToolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fdagent_tool_errors_total",
			Help: "Failed tool invocations by tool name.",
		}, []string{"tool"}),
		ToolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fdagent_tool_latency_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		LLMCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fdagent_llm_calls_total",
			Help: "LLM completions by role (planner, answer, guardrail, extractor).",
		}, []string{"role"}),
		LLMLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fdagent_llm_latency_seconds",
			Help:    "LLM completion latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		PlannerRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "fdagent_planner_retries_total",
			Help: "Re-plans triggered by the sufficiency check.",
		}),
		GuardrailRewrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "fdagent_guardrail_rewrites_total",
			Help: "Draft answers the guardrail rewrote.",
		}),
		RetrieverLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fdagent_retriever_latency_seconds",
			Help:    "Hybrid retrieval latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fdagent_turns_total",
			Help: "Completed agent turns by outcome (ok, error, timeout, cancelled).",
		}, []string{"outcome"}),
	}
}

// NewNopMetrics returns instruments bound to a throwaway registry, for
// tests and for deployments with metrics disabled.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
