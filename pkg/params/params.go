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

// Package params defines the shared parameter schema for endpoint tools
// and the two-phase extractor that fills it from a user question.
package params

import "fmt"

// Field names, used as confidence keys and as JSON keys in tool args.
const (
	FieldDeviceClass = "device_class"
	FieldRecallClass = "recall_class"
	FieldProductCode = "product_code"
	FieldKNumber     = "k_number"
	FieldPMANumber   = "pma_number"
	FieldFirmName    = "firm_name"
	FieldApplicant   = "applicant"
	FieldDeviceName  = "device_name"
	FieldCountry     = "country"
	FieldState       = "state"
	FieldFEINumber   = "fei_number"
	FieldDateStart   = "date_start"
	FieldDateEnd     = "date_end"
	FieldLimit       = "limit"
	FieldSkip        = "skip"
	FieldEventType   = "event_type"
)

// Confidence tiers.
const (
	ConfidenceRegex    = 1.0
	ConfidenceExplicit = 0.9
	ConfidenceInferred = 0.6

	// LowConfidenceThreshold marks fields the planner should
	// double-check against a field-reference lookup.
	LowConfidenceThreshold = 0.8
)

// Parameters is the single extraction schema shared by all endpoint
// tools. Zero values mean "not extracted".
type Parameters struct {
	DeviceClass int    `json:"device_class,omitempty"`
	RecallClass string `json:"recall_class,omitempty"`
	ProductCode string `json:"product_code,omitempty"`
	KNumber     string `json:"k_number,omitempty"`
	PMANumber   string `json:"pma_number,omitempty"`
	FirmName    string `json:"firm_name,omitempty"`
	Applicant   string `json:"applicant,omitempty"`
	DeviceName  string `json:"device_name,omitempty"`
	Country     string `json:"country,omitempty"`
	State       string `json:"state,omitempty"`
	FEINumber   string `json:"fei_number,omitempty"`
	DateStart   string `json:"date_start,omitempty"`
	DateEnd     string `json:"date_end,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Skip        int    `json:"skip,omitempty"`
	EventType   string `json:"event_type,omitempty"`

	// Confidence carries a per-field score in [0,1], keyed by the
	// Field* constants. Only extracted fields have entries.
	Confidence map[string]float64 `json:"confidence,omitempty"`
}

// SetConfidence records the confidence of one extracted field.
func (p *Parameters) SetConfidence(field string, score float64) {
	if p.Confidence == nil {
		p.Confidence = make(map[string]float64)
	}
	p.Confidence[field] = score
}

// LowConfidenceFields returns the extracted fields scored below the
// re-extraction threshold, in no particular order.
func (p *Parameters) LowConfidenceFields() []string {
	var out []string
	for field, score := range p.Confidence {
		if score < LowConfidenceThreshold {
			out = append(out, field)
		}
	}
	return out
}

// ValidationError reports a parameter that failed normalization.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Validate checks every populated field against its format rule.
func (p *Parameters) Validate() error {
	if p.DeviceClass != 0 && (p.DeviceClass < 1 || p.DeviceClass > 3) {
		return &ValidationError{Field: FieldDeviceClass, Value: fmt.Sprint(p.DeviceClass), Reason: "must be 1, 2, or 3"}
	}
	if p.RecallClass != "" && !validRecallClass(p.RecallClass) {
		return &ValidationError{Field: FieldRecallClass, Value: p.RecallClass, Reason: `must be "Class I", "Class II", or "Class III"`}
	}
	if p.ProductCode != "" && !productCodePattern.MatchString(p.ProductCode) {
		return &ValidationError{Field: FieldProductCode, Value: p.ProductCode, Reason: "must be 3 uppercase letters"}
	}
	if p.KNumber != "" && !kNumberPattern.MatchString(p.KNumber) {
		return &ValidationError{Field: FieldKNumber, Value: p.KNumber, Reason: "must be K followed by 6 digits"}
	}
	if p.PMANumber != "" && !pmaNumberPattern.MatchString(p.PMANumber) {
		return &ValidationError{Field: FieldPMANumber, Value: p.PMANumber, Reason: "must be P followed by 6 digits"}
	}
	if p.DateStart != "" && !datePattern.MatchString(p.DateStart) {
		return &ValidationError{Field: FieldDateStart, Value: p.DateStart, Reason: "must be YYYYMMDD"}
	}
	if p.DateEnd != "" && !datePattern.MatchString(p.DateEnd) {
		return &ValidationError{Field: FieldDateEnd, Value: p.DateEnd, Reason: "must be YYYYMMDD"}
	}
	if p.Limit < 0 || p.Limit > 1000 {
		return &ValidationError{Field: FieldLimit, Value: fmt.Sprint(p.Limit), Reason: "must be between 0 and 1000"}
	}
	if p.Skip < 0 {
		return &ValidationError{Field: FieldSkip, Value: fmt.Sprint(p.Skip), Reason: "must not be negative"}
	}
	return nil
}

func validRecallClass(v string) bool {
	switch v {
	case "Class I", "Class II", "Class III":
		return true
	}
	return false
}
