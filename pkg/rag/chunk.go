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

// Package rag retrieves openFDA endpoint documentation for the
// planner: which dataset answers a question and which fields it
// filters on.
package rag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ChunkKind classifies a documentation unit.
type ChunkKind string

const (
	KindHowTo       ChunkKind = "howto"
	KindFields      ChunkKind = "fields"
	KindOverview    ChunkKind = "overview"
	KindQuerySyntax ChunkKind = "query-syntax"
)

// EndpointGeneral marks chunks that apply to every dataset.
const EndpointGeneral = "general"

// Chunk is one immutable documentation unit. Text starts with a
// synthetic header repeating the endpoint and field names so keyword
// scoring favors on-topic chunks.
type Chunk struct {
	Text     string    `json:"text"`
	Endpoint string    `json:"endpoint"`
	Kind     ChunkKind `json:"kind"`
	Fields   []string  `json:"fields"`
}

// WithHeader prepends the synthetic header to body.
func WithHeader(endpoint string, fields []string, body string) string {
	return fmt.Sprintf("[ENDPOINT]: %s\n[FIELDS]: %s\n%s", endpoint, strings.Join(fields, ", "), body)
}

// LoadDir reads scraped chunk files (*.json, each holding a JSON array
// of chunks) from dir. Missing dir yields no chunks and no error so
// the builtin corpus alone can serve.
func LoadDir(dir string) ([]Chunk, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read corpus dir: %w", err)
	}
	var out []Chunk
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read corpus file %s: %w", entry.Name(), err)
		}
		var chunks []Chunk
		if err := json.Unmarshal(data, &chunks); err != nil {
			return nil, fmt.Errorf("failed to parse corpus file %s: %w", entry.Name(), err)
		}
		out = append(out, chunks...)
	}
	return out, nil
}

// endpointFields lists the canonical filter fields per dataset. The
// extractor uses these for constrained re-extraction.
var endpointFields = map[string][]string{
	"classification": {
		"product_code", "device_name", "device_class", "regulation_number",
		"medical_specialty_description", "review_panel",
	},
	"510k": {
		"k_number", "applicant", "device_name", "product_code",
		"decision_date", "decision_description", "clearance_type",
	},
	"pma": {
		"pma_number", "applicant", "trade_name", "product_code",
		"decision_date", "advisory_committee_description", "supplement_type",
	},
	"enforcement": {
		"firm_name", "product_description", "classification", "country",
		"recall_initiation_date", "reason_for_recall", "status",
	},
	"event": {
		"device.brand_name", "device.generic_name", "device.device_report_product_code",
		"device.manufacturer_d_name", "device.manufacturer_d_country",
		"event_type", "date_received",
	},
	"udi": {
		"brand_name", "company_name", "identifiers.id",
		"device_description", "product_codes.code",
	},
	"registrationlisting": {
		"registration.name", "registration.iso_country_code", "registration.state_code",
		"registration.fei_number", "products.product_code", "products.openfda.device_name",
	},
}

// EndpointFields returns the canonical field list for an endpoint, or
// nil when the endpoint is unknown.
func EndpointFields(endpoint string) []string {
	return endpointFields[endpoint]
}

// BuiltinCorpus returns the curated how-to chunks shipped with the
// binary, one per dataset plus the shared query-syntax primer.
func BuiltinCorpus() []Chunk {
	chunks := []Chunk{
		{
			Endpoint: "classification",
			Kind:     KindHowTo,
			Fields:   endpointFields["classification"],
			Text: WithHeader("classification", endpointFields["classification"], `The classification dataset maps devices to FDA regulatory classes and product codes.
Example: "what class is a surgical mask" -> product_code:FXX
Example: "devices under regulation 878.4040" -> regulation_number:878.4040
Example: "class 2 cardiovascular devices" -> device_class:2 AND review_panel:CV
Device class is numeric (1, 2, 3). Product codes are three uppercase letters.`),
		},
		{
			Endpoint: "510k",
			Kind:     KindHowTo,
			Fields:   endpointFields["510k"],
			Text: WithHeader("510k", endpointFields["510k"], `The 510(k) dataset holds premarket notification clearances, keyed by K-number.
Example: "what cleared under K123456" -> k_number:K123456
Example: "510k clearances by Medtronic since 2020" -> applicant:Medtronic AND decision_date:[20200101 TO 30000101]
Example: "cleared pulse oximeters" -> device_name:"pulse oximeter"
K-numbers are the letter K followed by six digits.`),
		},
		{
			Endpoint: "pma",
			Kind:     KindHowTo,
			Fields:   endpointFields["pma"],
			Text: WithHeader("pma", endpointFields["pma"], `The PMA dataset holds premarket approvals for class III devices, keyed by P-number.
Example: "details on P870024" -> pma_number:P870024
Example: "PMA approvals by Abbott" -> applicant:Abbott
Example: "approved heart valves" -> trade_name:"heart valve"
P-numbers are the letter P followed by six digits.`),
		},
		{
			Endpoint: "enforcement",
			Kind:     KindHowTo,
			Fields:   endpointFields["enforcement"],
			Text: WithHeader("enforcement", endpointFields["enforcement"], `The enforcement dataset holds device recalls with their classification.
Example: "class I recalls in 2023" -> classification:"Class I" AND recall_initiation_date:[20230101 TO 20231231]
Example: "recalls of infusion pumps" -> product_description:"infusion pump"
Example: "recalls from Chinese manufacturers" -> country:China
Recall classification is Roman ("Class I", "Class II", "Class III").
Country is a full English name. There is no product-code field in this dataset.`),
		},
		{
			Endpoint: "event",
			Kind:     KindHowTo,
			Fields:   endpointFields["event"],
			Text: WithHeader("event", endpointFields["event"], `The event dataset (MAUDE) holds adverse event reports: malfunctions, injuries, deaths.
Example: "adverse events for pacemakers" -> device.generic_name:pacemaker
Example: "deaths involving devices made in China" -> event_type:Death AND device.manufacturer_d_country:CN
Example: "malfunction reports for product code FXX" -> device.device_report_product_code:FXX
Country is a two-letter ISO code. Event types: Malfunction, Injury, Death, Other.`),
		},
		{
			Endpoint: "udi",
			Kind:     KindHowTo,
			Fields:   endpointFields["udi"],
			Text: WithHeader("udi", endpointFields["udi"], `The UDI dataset (GUDID) identifies individual device models by unique device identifier.
Example: "what device has identifier 00812345000011" -> identifiers.id:00812345000011
Example: "UDI records for BreathSafe" -> brand_name:BreathSafe
Example: "devices listed by SafeAir" -> company_name:SafeAir`),
		},
		{
			Endpoint: "registrationlisting",
			Kind:     KindHowTo,
			Fields:   endpointFields["registrationlisting"],
			Text: WithHeader("registrationlisting", endpointFields["registrationlisting"], `The registration-listing dataset holds establishments registered with the FDA and the devices they list.
Example: "manufacturers in Germany" -> registration.iso_country_code:DE
Example: "who makes surgical masks in California" -> registration.state_code:CA AND products.openfda.device_name:"surgical mask"
Example: "establishment with FEI 3001234567" -> registration.fei_number:3001234567
Country is a two-letter ISO code in registration.iso_country_code.`),
		},
		{
			Endpoint: EndpointGeneral,
			Kind:     KindQuerySyntax,
			Fields:   []string{"search", "count", "limit", "skip"},
			Text: WithHeader(EndpointGeneral, []string{"search", "count", "limit", "skip"}, `openFDA filter syntax: field:value clauses joined by AND, OR groups in parentheses,
date ranges as field:[YYYYMMDD TO YYYYMMDD], multi-word values quoted.
The count parameter aggregates on a field and returns term/count buckets.
limit caps a page at 1000 records; skip pages through results.`),
		},
	}
	return chunks
}
