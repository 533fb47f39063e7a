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
	"regexp"
	"strings"
)

var (
	kNumberPattern   = regexp.MustCompile(`^K\d{6}$`)
	pmaNumberPattern = regexp.MustCompile(`^P\d{6}$`)
	// productCodePattern also validates resolver inputs.
	productCodePattern = regexp.MustCompile(`^[A-Z]{3}$`)
	datePattern        = regexp.MustCompile(`^\d{8}$`)

	kNumberScan = regexp.MustCompile(`\bK\d{6}\b`)
	pmaScan     = regexp.MustCompile(`\bP\d{6}\b`)
	// Bare 3-letter tokens are too ambiguous; a product code is only
	// captured when the question says so.
	productCodeScan = regexp.MustCompile(`(?i)product\s+code\s+`)
	codeAfterCue    = regexp.MustCompile(`^([A-Z]{3})\b`)
	classScan       = regexp.MustCompile(`(?i)\bclass\s+(iii|ii|i|[123])\b`)
)

// classMention is a raw "Class X" capture awaiting normalization; the
// numeric/Roman form depends on the target endpoint.
type classMention struct {
	Token string // "i", "ii", "iii", "1", "2", or "3", lowercased
}

// Number maps the token to 1..3.
func (m classMention) Number() int {
	switch strings.ToLower(m.Token) {
	case "i", "1":
		return 1
	case "ii", "2":
		return 2
	case "iii", "3":
		return 3
	}
	return 0
}

// Roman renders the recall-class form ("Class II").
func (m classMention) Roman() string {
	switch m.Number() {
	case 1:
		return "Class I"
	case 2:
		return "Class II"
	case 3:
		return "Class III"
	}
	return ""
}

// prePass runs the deterministic regex extraction over the question.
// Hits are authoritative: phase B output never overrides them.
func prePass(question string) (p Parameters, classes []classMention) {
	if m := kNumberScan.FindString(question); m != "" {
		p.KNumber = m
		p.SetConfidence(FieldKNumber, ConfidenceRegex)
	}
	if m := pmaScan.FindString(question); m != "" {
		p.PMANumber = m
		p.SetConfidence(FieldPMANumber, ConfidenceRegex)
	}
	if loc := productCodeScan.FindStringIndex(question); loc != nil {
		rest := question[loc[1]:]
		if m := codeAfterCue.FindStringSubmatch(rest); m != nil {
			p.ProductCode = m[1]
			p.SetConfidence(FieldProductCode, ConfidenceRegex)
		}
	}
	for _, m := range classScan.FindAllStringSubmatch(question, -1) {
		classes = append(classes, classMention{Token: strings.ToLower(m[1])})
	}
	return p, classes
}
