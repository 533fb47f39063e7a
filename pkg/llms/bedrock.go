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
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/medwatch-ai/fdagent/pkg/config"
)

// converseAPI is the subset of the Bedrock runtime client the provider
// needs. *bedrockruntime.Client satisfies it; tests pass a fake.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider runs completions through the AWS Bedrock Converse API.
// Credentials come from the default AWS credential chain.
type BedrockProvider struct {
	runtime     converseAPI
	model       string
	maxTokens   int
	temperature float64
}

// NewBedrockProvider creates a provider in the configured region.
func NewBedrockProvider(ctx context.Context, cfg config.LLMConfig) (*BedrockProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &BedrockProvider{
		runtime:     bedrockruntime.NewFromConfig(awsCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (p *BedrockProvider) Model() string { return p.model }

// Complete implements Caller.
func (p *BedrockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	input, err := p.buildInput(req)
	if err != nil {
		return nil, &Error{Provider: "bedrock", Err: err}
	}
	output, err := p.runtime.Converse(ctx, input)
	if err != nil {
		return nil, &Error{Provider: "bedrock", Err: err}
	}
	return translateConverseOutput(output)
}

func (p *BedrockProvider) buildInput(req Request) (*bedrockruntime.ConverseInput, error) {
	var system []brtypes.SystemContentBlock
	var messages []brtypes.Message

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case RoleUser:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case RoleTool:
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
				},
			}
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: tr}},
			})
		case RoleAssistant:
			var blocks []brtypes.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var in any = map[string]any{}
				if tc.Args != nil {
					in = tc.Args
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(&in),
					},
				})
			}
			if len(blocks) > 0 {
				messages = append(messages, brtypes.Message{
					Role:    brtypes.ConversationRoleAssistant,
					Content: blocks,
				})
			}
		}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("at least one user message is required")
	}

	if req.Schema != nil {
		// Converse has no response_format; the schema rides as a system
		// instruction like the anthropic provider does.
		schemaJSON, err := json.MarshalIndent(req.Schema, "", "  ")
		if err == nil {
			system = append(system, &brtypes.SystemContentBlockMemberText{
				Value: fmt.Sprintf(
					"You must respond with valid JSON matching this exact schema:\n\n%s\n\nOutput ONLY valid JSON, no other text.",
					string(schemaJSON)),
			})
		}
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(p.model),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolCfg := buildToolConfig(req.Tools); toolCfg != nil {
		input.ToolConfig = toolCfg
	}

	infCfg := &brtypes.InferenceConfiguration{}
	tokens := p.maxTokens
	if req.MaxTokens > 0 {
		tokens = req.MaxTokens
	}
	if tokens > 0 {
		infCfg.MaxTokens = aws.Int32(int32(tokens))
	}
	temp := p.temperature
	if req.Temperature > 0 {
		temp = req.Temperature
	}
	if temp > 0 {
		infCfg.Temperature = aws.Float32(float32(temp))
	}
	if infCfg.MaxTokens != nil || infCfg.Temperature != nil {
		input.InferenceConfig = infCfg
	}
	return input, nil
}

func buildToolConfig(defs []ToolDefinition) *brtypes.ToolConfiguration {
	if len(defs) == 0 {
		return nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, t := range defs {
		var schema any = t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(&schema)},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: toolList}
}

func translateConverseOutput(output *bedrockruntime.ConverseOutput) (*Response, error) {
	if output == nil {
		return nil, &Error{Provider: "bedrock", Err: fmt.Errorf("response is nil")}
	}
	out := &Response{}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		var textParts []string
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				textParts = append(textParts, v.Value)
			case *brtypes.ContentBlockMemberToolUse:
				var args map[string]any
				if v.Value.Input != nil {
					if data, err := v.Value.Input.MarshalSmithyDocument(); err == nil {
						_ = json.Unmarshal(data, &args)
					}
				}
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:   aws.ToString(v.Value.ToolUseId),
					Name: aws.ToString(v.Value.Name),
					Args: args,
				})
			}
		}
		out.Content = strings.Join(textParts, "")
	}
	if usage := output.Usage; usage != nil {
		out.Usage = Usage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
		}
	}
	return out, nil
}

var _ Caller = (*BedrockProvider)(nil)
