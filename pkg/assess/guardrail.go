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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/medwatch-ai/fdagent/pkg/llms"
	"github.com/medwatch-ai/fdagent/pkg/resolver"
	"github.com/medwatch-ai/fdagent/pkg/tools"
)

const guardrailSystemPrompt = `You are a fact checker for answers about FDA device data.
You receive a draft answer, the raw tool outputs it was written from, and the resolved entity context.
Rewrite any sentence whose factual content is not present in the tool outputs.
When a claim cannot be supported, replace it with a statement that the data is not available.
Keep everything that is supported. Keep the structure and tone of the draft.
Return only the corrected answer text.`

// Guardrail is the single-pass LLM rewrite over draft answers.
type Guardrail struct {
	caller llms.Caller
	logger *slog.Logger
}

// NewGuardrail builds the guardrail over the given caller, typically a
// smaller model than the planner's.
func NewGuardrail(caller llms.Caller, logger *slog.Logger) *Guardrail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guardrail{caller: caller, logger: logger}
}

// Review checks the draft against the tool outputs and returns the
// final answer plus the tokens spent. It never fails and never returns
// an empty answer for a non-empty draft: LLM errors, empty rewrites,
// and truncations all fall back to the draft.
func (g *Guardrail) Review(ctx context.Context, draft string, calls []tools.CallRecord, rc *resolver.Context) (string, llms.Usage) {
	if g.caller == nil || strings.TrimSpace(draft) == "" {
		return draft, llms.Usage{}
	}

	resp, err := g.caller.Complete(ctx, llms.Request{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: guardrailSystemPrompt},
			{Role: llms.RoleUser, Content: guardrailInput(draft, calls, rc)},
		},
	})
	if err != nil {
		g.logger.Warn("guardrail call failed, keeping draft", "error", err)
		return draft, llms.Usage{}
	}
	if !acceptRewrite(draft, resp.Content) {
		g.logger.Debug("guardrail rewrite rejected, keeping draft",
			"draft_len", len(draft), "rewrite_len", len(strings.TrimSpace(resp.Content)))
		return draft, resp.Usage
	}
	return strings.TrimSpace(resp.Content), resp.Usage
}

// guardrailInput renders the evidence block the guardrail reasons over.
// Tool outputs are truncated per call so one oversized result cannot
// crowd out the rest.
func guardrailInput(draft string, calls []tools.CallRecord, rc *resolver.Context) string {
	const maxPerCall = 4000

	var b strings.Builder
	b.WriteString("DRAFT ANSWER:\n")
	b.WriteString(draft)
	b.WriteString("\n\nTOOL OUTPUTS:\n")
	for _, call := range calls {
		if call.Error != "" {
			fmt.Fprintf(&b, "- %s failed: %s\n", call.ToolName, call.Error)
			continue
		}
		if call.Result == nil {
			continue
		}
		data, err := json.Marshal(call.Result)
		if err != nil {
			continue
		}
		if len(data) > maxPerCall {
			data = data[:maxPerCall]
		}
		fmt.Fprintf(&b, "- %s: %s\n", call.ToolName, data)
	}
	if rc != nil && !rc.Empty() {
		if data, err := json.Marshal(rc); err == nil {
			b.WriteString("\nRESOLVED ENTITIES:\n")
			b.Write(data)
		}
	}
	return b.String()
}
