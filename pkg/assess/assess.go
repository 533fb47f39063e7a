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

// Package assess gates draft answers in two layers: a deterministic
// sufficiency check over the extracted filters and result counts, and
// an LLM guardrail that rewrites claims the tool outputs do not
// support. The guardrail degrades, never blocks: on any failure the
// draft passes through unchanged.
package assess

import (
	"regexp"
	"strings"

	"github.com/medwatch-ai/fdagent/pkg/params"
)

// Verdict is the outcome of the deterministic sufficiency check.
type Verdict struct {
	Sufficient bool   `json:"sufficient"`
	Reason     string `json:"reason"`
}

// Input bundles what the sufficiency check inspects for one iteration.
type Input struct {
	Question    string
	Extracted   params.Parameters
	ResultCount int

	// ToolsSucceeded is false when every dispatched tool errored;
	// a zero count then means "no data", not "no matching records".
	ToolsSucceeded bool
}

var (
	classToken    = regexp.MustCompile(`(?i)\bclass\s+(iii|ii|i|[123])\b`)
	temporalToken = regexp.MustCompile(`(?i)\b(recent|latest|last|past|since|before|after|in \d{4}|\d{4}s|month|week|year|today|yesterday)\b`)
)

// Check runs the deterministic sufficiency rules in order. The first
// matching rule decides.
func Check(in Input) Verdict {
	hasClassFilter := in.Extracted.DeviceClass != 0 || in.Extracted.RecallClass != ""
	hasDateFilter := in.Extracted.DateStart != "" || in.Extracted.DateEnd != ""

	if classToken.MatchString(in.Question) && !hasClassFilter {
		return Verdict{Sufficient: false, Reason: "missing class filter"}
	}
	if temporalToken.MatchString(in.Question) && !hasDateFilter {
		return Verdict{Sufficient: false, Reason: "missing date filter"}
	}
	if in.ResultCount == 0 {
		if !in.ToolsSucceeded {
			return Verdict{Sufficient: false, Reason: "all tool calls failed"}
		}
		if hasAnyFilter(in.Extracted) {
			// Zero hits under plausible filters is a legitimate answer.
			return Verdict{Sufficient: true, Reason: "no matching records"}
		}
		return Verdict{Sufficient: false, Reason: "no filters extracted"}
	}
	return Verdict{Sufficient: true, Reason: "results available"}
}

func hasAnyFilter(p params.Parameters) bool {
	return p.DeviceClass != 0 || p.RecallClass != "" || p.ProductCode != "" ||
		p.KNumber != "" || p.PMANumber != "" || p.FirmName != "" ||
		p.Applicant != "" || p.DeviceName != "" || p.Country != "" ||
		p.State != "" || p.FEINumber != "" || p.DateStart != "" ||
		p.DateEnd != "" || p.EventType != ""
}

// minRewriteRatio is the floor below which a guardrail rewrite is
// considered a truncation rather than a correction and discarded.
const minRewriteRatio = 0.4

// acceptRewrite decides whether a guardrail output replaces the draft.
// Empty or heavily shrunken rewrites keep the draft, so the final
// answer is never empty for a non-empty draft.
func acceptRewrite(draft, rewrite string) bool {
	rewrite = strings.TrimSpace(rewrite)
	if rewrite == "" {
		return false
	}
	return float64(len(rewrite)) >= minRewriteRatio*float64(len(draft))
}
