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

package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/medwatch-ai/fdagent/pkg/config"
	"github.com/medwatch-ai/fdagent/pkg/httpclient"
)

const geminiDefaultHost = "https://generativelanguage.googleapis.com"

// GeminiProvider speaks the generateContent API.
// https://ai.google.dev/gemini-api/docs/structured-output
type GeminiProvider struct {
	httpClient  *httpclient.Client
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
}

type geminiPart map[string]any

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiToolSet struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools            []geminiToolSet         `json:"tools,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// NewGeminiProvider creates a provider for the Gemini API.
func NewGeminiProvider(cfg config.LLMConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for gemini")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geminiDefaultHost
	}
	return &GeminiProvider{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
		),
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (p *GeminiProvider) Model() string { return p.model }

// Complete implements Caller.
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body := geminiRequest{
		Contents:         toGeminiContents(req.Messages),
		GenerationConfig: p.generationConfig(req),
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		body.Tools = []geminiToolSet{{FunctionDeclarations: decls}}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: "gemini", Err: err}
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Provider: "gemini", Err: err}
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: "gemini", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: "gemini", Err: err}
	}
	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Provider: "gemini", Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &Error{Provider: "gemini", Err: fmt.Errorf("%s: %s", parsed.Error.Status, parsed.Error.Message)}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &Error{Provider: "gemini", Err: fmt.Errorf("no candidates in response")}
	}

	out := &Response{}
	if parsed.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		}
	}
	var textParts []string
	for _, part := range parsed.Candidates[0].Content.Parts {
		if text, ok := part["text"].(string); ok {
			textParts = append(textParts, text)
		}
		if fc, ok := part["functionCall"].(map[string]any); ok {
			name, _ := fc["name"].(string)
			args, _ := fc["args"].(map[string]any)
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   "call_" + strconv.Itoa(len(out.ToolCalls)),
				Name: name,
				Args: args,
			})
		}
	}
	out.Content = strings.Join(textParts, "")
	return out, nil
}

func (p *GeminiProvider) generationConfig(req Request) *geminiGenerationConfig {
	cfg := &geminiGenerationConfig{MaxOutputTokens: p.maxTokens}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	}
	// Gemini uses its own default when temperature is omitted.
	if temp := p.temperature; temp > 0 || req.Temperature > 0 {
		if req.Temperature > 0 {
			temp = req.Temperature
		}
		cfg.Temperature = &temp
	}
	if req.Schema != nil {
		cfg.ResponseMimeType = "application/json"
		cfg.ResponseSchema = stripSchemaExtras(req.Schema)
	}
	return cfg
}

// stripSchemaExtras removes JSON Schema keywords the Gemini responseSchema
// dialect rejects ($schema, additionalProperties).
func stripSchemaExtras(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "$schema" || k == "additionalProperties" {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = stripSchemaExtras(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func toGeminiContents(messages []Message) []geminiContent {
	var contents []geminiContent
	for _, m := range messages {
		role := string(m.Role)
		switch m.Role {
		case RoleAssistant:
			role = "model"
		case RoleSystem:
			// Gemini has no system role.
			role = "user"
		case RoleTool:
			role = "user"
		}

		var parts []geminiPart
		if m.Role == RoleTool {
			parts = append(parts, geminiPart{
				"functionResponse": map[string]any{
					"name": m.ToolCallID,
					"response": map[string]any{
						"content": m.Content,
					},
				},
			})
		} else if m.Content != "" {
			parts = append(parts, geminiPart{"text": m.Content})
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, geminiPart{
				"functionCall": map[string]any{
					"name": tc.Name,
					"args": tc.Args,
				},
			})
		}
		if len(parts) > 0 {
			contents = append(contents, geminiContent{Role: role, Parts: parts})
		}
	}
	return contents
}

var _ Caller = (*GeminiProvider)(nil)
