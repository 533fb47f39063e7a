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

package params

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/medwatch-ai/fdagent/pkg/llms"
)

// llmParameters is the phase-B structured-output shape. It mirrors
// Parameters without the confidence map; scores are assigned after the
// fact from textual evidence.
type llmParameters struct {
	DeviceClass int    `json:"device_class,omitempty" jsonschema:"description=Device classification as a number,enum=1|2|3"`
	RecallClass string `json:"recall_class,omitempty" jsonschema:"description=Recall classification,enum=Class I|Class II|Class III"`
	ProductCode string `json:"product_code,omitempty" jsonschema:"description=FDA product code (3 uppercase letters)"`
	KNumber     string `json:"k_number,omitempty" jsonschema:"description=510(k) number (K followed by 6 digits)"`
	PMANumber   string `json:"pma_number,omitempty" jsonschema:"description=PMA number (P followed by 6 digits)"`
	FirmName    string `json:"firm_name,omitempty" jsonschema:"description=Manufacturer or firm name"`
	Applicant   string `json:"applicant,omitempty" jsonschema:"description=510(k) or PMA applicant name"`
	DeviceName  string `json:"device_name,omitempty" jsonschema:"description=Device type or brand name"`
	Country     string `json:"country,omitempty" jsonschema:"description=Country mentioned in the question"`
	State       string `json:"state,omitempty" jsonschema:"description=US state name or 2-letter code"`
	FEINumber   string `json:"fei_number,omitempty" jsonschema:"description=FDA establishment identifier"`
	DateStart   string `json:"date_start,omitempty" jsonschema:"description=Start of date range in any common format"`
	DateEnd     string `json:"date_end,omitempty" jsonschema:"description=End of date range in any common format"`
	Limit       int    `json:"limit,omitempty" jsonschema:"description=Requested number of results,maximum=1000"`
	EventType   string `json:"event_type,omitempty" jsonschema:"description=Adverse event type such as Malfunction or Injury or Death"`
}

const extractSystemPrompt = `You extract search parameters from questions about FDA medical device data.
Fill only fields that are actually present in the question. Do not guess identifiers.
Device class is numeric (1, 2, 3); recall class is Roman ("Class I", "Class II", "Class III").`

// Extractor fills Parameters from a user question: a deterministic
// regex pre-pass followed by an LLM structured-output pass. Regex hits
// always win.
type Extractor struct {
	caller llms.Caller
	logger *slog.Logger
	schema map[string]any
}

// NewExtractor builds an extractor over the given caller.
func NewExtractor(caller llms.Caller, logger *slog.Logger) (*Extractor, error) {
	schema, err := generateSchema[llmParameters]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate extraction schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{caller: caller, logger: logger, schema: schema}, nil
}

// Extract runs both phases and normalizes the result. fieldHints, when
// non-empty, lists canonical field names for the chosen endpoint so a
// re-extraction can make a constrained choice.
func (e *Extractor) Extract(ctx context.Context, question string, fieldHints []string) (*Parameters, error) {
	regexParams, classes := prePass(question)

	llmOut, err := e.llmPass(ctx, question, fieldHints)
	if err != nil {
		// Conservative fallback: the regex pre-pass alone.
		e.logger.Warn("extraction LLM pass failed, using regex-only parameters", "error", err)
		llmOut = &llmParameters{}
	}

	merged := e.merge(question, regexParams, llmOut, classes)
	if err := e.normalize(merged); err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (e *Extractor) llmPass(ctx context.Context, question string, fieldHints []string) (*llmParameters, error) {
	prompt := extractSystemPrompt
	if len(fieldHints) > 0 {
		prompt += "\nCanonical field names for the target dataset: " + strings.Join(fieldHints, ", ")
	}
	req := llms.Request{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: prompt},
			{Role: llms.RoleUser, Content: question},
		},
		Schema: e.schema,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := e.caller.Complete(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		var out llmParameters
		if err := json.Unmarshal([]byte(stripFences(resp.Content)), &out); err != nil {
			lastErr = &llms.Error{Provider: "extractor", Err: fmt.Errorf("malformed structured output: %w", err)}
			continue
		}
		return &out, nil
	}
	return nil, lastErr
}

// merge combines the two phases; regex-sourced fields overwrite the
// LLM's. Confidence for LLM fields depends on whether the value appears
// verbatim in the question.
func (e *Extractor) merge(question string, regex Parameters, llmOut *llmParameters, classes []classMention) *Parameters {
	out := &Parameters{
		DeviceClass: llmOut.DeviceClass,
		RecallClass: llmOut.RecallClass,
		ProductCode: strings.ToUpper(llmOut.ProductCode),
		KNumber:     strings.ToUpper(llmOut.KNumber),
		PMANumber:   strings.ToUpper(llmOut.PMANumber),
		FirmName:    llmOut.FirmName,
		Applicant:   llmOut.Applicant,
		DeviceName:  llmOut.DeviceName,
		Country:     llmOut.Country,
		State:       llmOut.State,
		FEINumber:   llmOut.FEINumber,
		DateStart:   llmOut.DateStart,
		DateEnd:     llmOut.DateEnd,
		Limit:       llmOut.Limit,
		EventType:   llmOut.EventType,
	}

	lower := strings.ToLower(question)
	score := func(field, value string) {
		if value == "" {
			return
		}
		if strings.Contains(lower, strings.ToLower(value)) {
			out.SetConfidence(field, ConfidenceExplicit)
		} else {
			out.SetConfidence(field, ConfidenceInferred)
		}
	}
	score(FieldRecallClass, out.RecallClass)
	score(FieldProductCode, out.ProductCode)
	score(FieldKNumber, out.KNumber)
	score(FieldPMANumber, out.PMANumber)
	score(FieldFirmName, out.FirmName)
	score(FieldApplicant, out.Applicant)
	score(FieldDeviceName, out.DeviceName)
	score(FieldCountry, out.Country)
	score(FieldState, out.State)
	score(FieldFEINumber, out.FEINumber)
	score(FieldDateStart, out.DateStart)
	score(FieldDateEnd, out.DateEnd)
	score(FieldEventType, out.EventType)
	if out.DeviceClass != 0 {
		out.SetConfidence(FieldDeviceClass, ConfidenceInferred)
	}

	// Regex always wins.
	if regex.KNumber != "" {
		out.KNumber = regex.KNumber
		out.SetConfidence(FieldKNumber, ConfidenceRegex)
	}
	if regex.PMANumber != "" {
		out.PMANumber = regex.PMANumber
		out.SetConfidence(FieldPMANumber, ConfidenceRegex)
	}
	if regex.ProductCode != "" {
		out.ProductCode = regex.ProductCode
		out.SetConfidence(FieldProductCode, ConfidenceRegex)
	}

	// Class mentions resolve to the recall or device form by question
	// context when the LLM left both class fields unset.
	if len(classes) > 0 && out.RecallClass == "" && out.DeviceClass == 0 {
		if mentionsRecall(lower) {
			out.RecallClass = classes[0].Roman()
			out.SetConfidence(FieldRecallClass, ConfidenceRegex)
		} else {
			out.DeviceClass = classes[0].Number()
			out.SetConfidence(FieldDeviceClass, ConfidenceRegex)
		}
	}
	return out
}

func (e *Extractor) normalize(p *Parameters) error {
	if p.DateStart != "" {
		normalized, ok := NormalizeDate(p.DateStart)
		if !ok {
			return &ValidationError{Field: FieldDateStart, Value: p.DateStart, Reason: "unrecognized date format"}
		}
		p.DateStart = normalized
	}
	if p.DateEnd != "" {
		normalized, ok := NormalizeDate(p.DateEnd)
		if !ok {
			return &ValidationError{Field: FieldDateEnd, Value: p.DateEnd, Reason: "unrecognized date format"}
		}
		p.DateEnd = normalized
	}
	if p.Limit > 1000 {
		p.Limit = 1000
	}
	return nil
}

func mentionsRecall(lowerQuestion string) bool {
	return strings.Contains(lowerQuestion, "recall") || strings.Contains(lowerQuestion, "enforcement")
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

// generateSchema reflects a JSON schema from a Go type's struct tags.
func generateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}
