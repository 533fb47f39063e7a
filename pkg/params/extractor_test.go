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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medwatch-ai/fdagent/pkg/llms"
)

// fakeCaller returns canned structured output.
type fakeCaller struct {
	content string
	err     error
	calls   int
}

func (f *fakeCaller) Model() string { return "fake" }

func (f *fakeCaller) Complete(_ context.Context, _ llms.Request) (*llms.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llms.Response{Content: f.content}, nil
}

func llmJSON(t *testing.T, p llmParameters) string {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return string(data)
}

func TestPrePassPatterns(t *testing.T) {
	tests := []struct {
		name        string
		question    string
		kNumber     string
		pmaNumber   string
		productCode string
	}{
		{
			name:     "k number alone",
			question: "what cleared under K123456?",
			kNumber:  "K123456",
		},
		{
			name:     "k number embedded in token not captured",
			question: "what about TOK123456?",
		},
		{
			name:      "pma number",
			question:  "details on P987654",
			pmaNumber: "P987654",
		},
		{
			name:        "product code after cue",
			question:    "recalls for product code FXX",
			productCode: "FXX",
		},
		{
			name:     "bare three letter token not captured",
			question: "what does the FDA say about MRI safety",
		},
		{
			name:     "product code cue without code",
			question: "what is a product code anyway",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Extraction must be deterministic across runs.
			for i := 0; i < 3; i++ {
				p, _ := prePass(tt.question)
				assert.Equal(t, tt.kNumber, p.KNumber)
				assert.Equal(t, tt.pmaNumber, p.PMANumber)
				assert.Equal(t, tt.productCode, p.ProductCode)
			}
		})
	}
}

func TestClassMentionNormalization(t *testing.T) {
	tests := []struct {
		question    string
		recallClass string
		deviceClass int
	}{
		{"show class i recalls", "Class I", 0},
		{"show Class I recalls", "Class I", 0},
		{"show class 1 recalls", "Class I", 0},
		{"show Class 1 recalls", "Class I", 0},
		{"list class ii devices", "", 2},
		{"list class 2 devices", "", 2},
		{"class iii premarket approvals", "", 3},
	}
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			caller := &fakeCaller{content: "{}"}
			ex, err := NewExtractor(caller, nil)
			require.NoError(t, err)

			p, err := ex.Extract(context.Background(), tt.question, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.recallClass, p.RecallClass)
			assert.Equal(t, tt.deviceClass, p.DeviceClass)
		})
	}
}

func TestExtractRegexWinsOverLLM(t *testing.T) {
	caller := &fakeCaller{content: llmJSON(t, llmParameters{KNumber: "K999999"})}
	ex, err := NewExtractor(caller, nil)
	require.NoError(t, err)

	p, err := ex.Extract(context.Background(), "tell me about K123456", nil)
	require.NoError(t, err)
	assert.Equal(t, "K123456", p.KNumber)
	assert.Equal(t, ConfidenceRegex, p.Confidence[FieldKNumber])
}

func TestExtractConfidenceTiers(t *testing.T) {
	caller := &fakeCaller{content: llmJSON(t, llmParameters{
		FirmName:   "Medtronic",
		DeviceName: "cardiac pacemaker",
	})}
	ex, err := NewExtractor(caller, nil)
	require.NoError(t, err)

	p, err := ex.Extract(context.Background(), "recalls from Medtronic", nil)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceExplicit, p.Confidence[FieldFirmName])
	assert.Equal(t, ConfidenceInferred, p.Confidence[FieldDeviceName])
	assert.ElementsMatch(t, []string{FieldDeviceName}, p.LowConfidenceFields())
}

func TestExtractLLMFailureFallsBackToRegex(t *testing.T) {
	caller := &fakeCaller{err: errors.New("provider down")}
	ex, err := NewExtractor(caller, nil)
	require.NoError(t, err)

	p, err := ex.Extract(context.Background(), "status of K123456", nil)
	require.NoError(t, err)
	assert.Equal(t, "K123456", p.KNumber)
	assert.Equal(t, 2, caller.calls, "one retry before falling back")
}

func TestExtractDateNormalization(t *testing.T) {
	caller := &fakeCaller{content: llmJSON(t, llmParameters{
		DateStart: "2020-01-01",
		DateEnd:   "March 5, 2021",
	})}
	ex, err := NewExtractor(caller, nil)
	require.NoError(t, err)

	p, err := ex.Extract(context.Background(), "recalls between 2020-01-01 and March 5, 2021", nil)
	require.NoError(t, err)
	assert.Equal(t, "20200101", p.DateStart)
	assert.Equal(t, "20210305", p.DateEnd)
}

func TestExtractMalformedDate(t *testing.T) {
	caller := &fakeCaller{content: llmJSON(t, llmParameters{DateStart: "sometime soon"})}
	ex, err := NewExtractor(caller, nil)
	require.NoError(t, err)

	_, err = ex.Extract(context.Background(), "recalls sometime soon", nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, FieldDateStart, verr.Field)
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		in   string
		out  string
		ok   bool
	}{
		{"20200101", "20200101", true},
		{"2020-06-15", "20200615", true},
		{"06/15/2020", "20200615", true},
		{"January 2, 2021", "20210102", true},
		{"Jan 2021", "20210101", true},
		{"2021", "20210101", true},
		{"not a date", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeDate(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.out, got, tt.in)
	}
}

func TestCountryNormalization(t *testing.T) {
	code, ok := CountryISO("China")
	require.True(t, ok)
	assert.Equal(t, "CN", code)

	code, ok = CountryISO("cn")
	require.True(t, ok)
	assert.Equal(t, "CN", code)

	name, ok := CountryName("CN")
	require.True(t, ok)
	assert.Equal(t, "China", name)

	name, ok = CountryName("china")
	require.True(t, ok)
	assert.Equal(t, "China", name)

	_, ok = CountryISO("Atlantis")
	assert.False(t, ok)
}

func TestIsUSState(t *testing.T) {
	code, ok := IsUSState("California")
	require.True(t, ok)
	assert.Equal(t, "CA", code)

	code, ok = IsUSState("tx")
	require.True(t, ok)
	assert.Equal(t, "TX", code)

	_, ok = IsUSState("Bavaria")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		params Parameters
		field  string
	}{
		{"bad device class", Parameters{DeviceClass: 4}, FieldDeviceClass},
		{"bad recall class", Parameters{RecallClass: "Class IV"}, FieldRecallClass},
		{"bad product code", Parameters{ProductCode: "fxx"}, FieldProductCode},
		{"bad k number", Parameters{KNumber: "K12345"}, FieldKNumber},
		{"bad pma number", Parameters{PMANumber: "P12"}, FieldPMANumber},
		{"limit too large", Parameters{Limit: 1001}, FieldLimit},
		{"negative skip", Parameters{Skip: -1}, FieldSkip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	valid := Parameters{KNumber: "K123456", ProductCode: "FXX", Limit: 100}
	assert.NoError(t, valid.Validate())
}
