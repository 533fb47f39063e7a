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

// Package usage tracks per-session token counts and LLM cost against a
// soft spending cap. The cap check is read-then-decide: a call already
// in flight may overshoot slightly, which is acceptable.
package usage

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pkoukk/tiktoken-go"

	"github.com/medwatch-ai/fdagent/pkg/config"
	"github.com/medwatch-ai/fdagent/pkg/llms"
)

// ErrUsageCapExceeded refuses a turn before any LLM call is made.
var ErrUsageCapExceeded = errors.New("session usage cap exceeded")

// ErrBadPassphrase rejects a cap-extension attempt.
var ErrBadPassphrase = errors.New("operator passphrase does not match")

// Stats is the persisted usage snapshot of a session.
type Stats struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	LLMCalls     int64   `json:"llm_calls"`
	CostUSD      float64 `json:"cost_usd"`

	// CapExtended records that an operator raised this session's cap
	// to the hard cap. Meters rebuilt from the snapshot keep it raised.
	CapExtended bool `json:"cap_extended,omitempty"`
}

// modelPrice is USD per million tokens.
type modelPrice struct {
	input  float64
	output float64
}

// pricing matches models by prefix, longest prefix first at lookup.
// Unknown models fall back to a conservative default so cost tracking
// never silently undercounts.
var pricing = map[string]modelPrice{
	"gpt-4o-mini":      {input: 0.15, output: 0.60},
	"gpt-4o":           {input: 2.50, output: 10.00},
	"gpt-4.1-mini":     {input: 0.40, output: 1.60},
	"gpt-4.1":          {input: 2.00, output: 8.00},
	"o3":               {input: 2.00, output: 8.00},
	"claude-3-5-haiku": {input: 0.80, output: 4.00},
	"claude-3-5":       {input: 3.00, output: 15.00},
	"claude-sonnet":    {input: 3.00, output: 15.00},
	"claude-haiku":     {input: 0.80, output: 4.00},
	"claude-opus":      {input: 15.00, output: 75.00},
	"gemini-1.5-flash": {input: 0.075, output: 0.30},
	"gemini-1.5-pro":   {input: 1.25, output: 5.00},
	"gemini-2":         {input: 0.10, output: 0.40},
	"llama":            {input: 0, output: 0},
	"mistral":          {input: 0, output: 0},
	"qwen":             {input: 0, output: 0},
}

var defaultPrice = modelPrice{input: 3.00, output: 15.00}

// priceFor picks the longest matching prefix of the model name. The
// provider path prefix ("openai/gpt-4o") is stripped first.
func priceFor(model string) modelPrice {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	best := ""
	for prefix := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultPrice
	}
	return pricing[best]
}

// CostUSD prices one call's token usage.
func CostUSD(model string, u llms.Usage) float64 {
	p := priceFor(model)
	return float64(u.InputTokens)*p.input/1e6 + float64(u.OutputTokens)*p.output/1e6
}

// EstimateTokens counts tokens for models whose providers do not
// report usage. Unknown models use the cl100k_base encoding.
func EstimateTokens(model, text string) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Rough fallback: four characters per token.
			return len(text) / 4
		}
	}
	return len(enc.Encode(text, nil, nil))
}

// Meter accumulates one session's usage. All counters are atomic so
// concurrent tool and LLM completions can record without a lock.
type Meter struct {
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
	llmCalls     atomic.Int64

	// costMicros holds cost in micro-dollars to stay integral.
	costMicros atomic.Int64

	// capMicros is the active cap; Extend raises it to the hard cap.
	capMicros atomic.Int64
	extended  atomic.Bool

	hardCapMicros int64
	passphrase    string
}

// NewMeter builds a session meter seeded with previously persisted
// stats, so the cap covers the session's lifetime spend. A session
// whose cap was already extended keeps the hard cap.
func NewMeter(cfg config.UsageConfig, prior Stats) *Meter {
	m := &Meter{
		hardCapMicros: toMicros(cfg.HardCapUSD),
		passphrase:    cfg.OperatorPassphrase,
	}
	if prior.CapExtended {
		m.capMicros.Store(m.hardCapMicros)
		m.extended.Store(true)
	} else {
		m.capMicros.Store(toMicros(cfg.SoftCapUSD))
	}
	m.inputTokens.Store(prior.InputTokens)
	m.outputTokens.Store(prior.OutputTokens)
	m.llmCalls.Store(prior.LLMCalls)
	m.costMicros.Store(toMicros(prior.CostUSD))
	return m
}

// Record accounts one LLM call.
func (m *Meter) Record(model string, u llms.Usage) {
	m.inputTokens.Add(int64(u.InputTokens))
	m.outputTokens.Add(int64(u.OutputTokens))
	m.llmCalls.Add(1)
	m.costMicros.Add(toMicros(CostUSD(model, u)))
}

// CheckCap refuses the turn once accumulated cost reaches the active
// cap. Called before the first LLM call of a turn.
func (m *Meter) CheckCap() error {
	spent := m.costMicros.Load()
	limit := m.capMicros.Load()
	if spent >= limit {
		return fmt.Errorf("%w: spent $%.2f of $%.2f", ErrUsageCapExceeded,
			fromMicros(spent), fromMicros(limit))
	}
	return nil
}

// Extend raises the active cap to the hard cap when the operator
// passphrase matches. An unset passphrase disables extension.
func (m *Meter) Extend(passphrase string) error {
	if m.passphrase == "" || passphrase != m.passphrase {
		return ErrBadPassphrase
	}
	m.capMicros.Store(m.hardCapMicros)
	m.extended.Store(true)
	return nil
}

// Snapshot returns the current totals for persistence.
func (m *Meter) Snapshot() Stats {
	return Stats{
		InputTokens:  m.inputTokens.Load(),
		OutputTokens: m.outputTokens.Load(),
		LLMCalls:     m.llmCalls.Load(),
		CostUSD:      fromMicros(m.costMicros.Load()),
		CapExtended:  m.extended.Load(),
	}
}

func toMicros(usd float64) int64 { return int64(usd * 1e6) }
func fromMicros(m int64) float64 { return float64(m) / 1e6 }
