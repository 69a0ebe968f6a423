// Package anthropic adapts the Anthropic Messages API to llm.Client.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"OpenMCP-Swarm/internal/llm"
)

const defaultMaxTokens = 4096

// Config 描述 Anthropic 客户端参数。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Client 通过 anthropic-sdk-go 调用 Messages API。
type Client struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClient 创建客户端，未提供 API Key 时读取 ANTHROPIC_API_KEY。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL), option.WithMaxRetries(0))
	}

	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Generate 发送一次 Messages 请求，tool_use 块被映射为 ToolCalls。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("请求 Anthropic 失败: %w", err)
	}

	out := &llm.Response{}
	var text []string
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if t := strings.TrimSpace(variant.Text); t != "" {
				text = append(text, t)
			}
		case anthropic.ToolUseBlock:
			args, err := llm.DecodeArguments(variant.Input)
			if err != nil {
				return nil, fmt.Errorf("解析工具 %s 参数失败: %w", variant.Name, err)
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: variant.ID, Name: variant.Name, Arguments: args})
		}
	}
	out.Content = strings.Join(text, "\n")
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, fmt.Errorf("Anthropic 响应内容为空 (stop_reason=%s)", resp.StopReason)
	}
	return out, nil
}

func (c *Client) buildParams(req llm.Request) (anthropic.MessageNewParams, error) {
	model := c.model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: c.maxTokens,
		Messages:  buildMessages(req),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, spec := range req.Tools {
		schema, err := inputSchema(spec.InputSchema)
		if err != nil {
			return params, fmt.Errorf("转换工具 %s 输入模式失败: %w", spec.Name, err)
		}
		tool := &anthropic.ToolParam{Name: spec.Name, InputSchema: schema}
		if spec.Description != "" {
			tool.Description = anthropic.String(spec.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: tool})
	}
	return params, nil
}

func buildMessages(req llm.Request) []anthropic.MessageParam {
	prompt := req.Prompt
	if len(req.Knowledge) > 0 {
		var b strings.Builder
		b.WriteString(prompt)
		b.WriteString("\n\n## Knowledge\n")
		for i, card := range req.Knowledge {
			fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, card.Title, card.Content)
		}
		prompt = b.String()
	}

	messages := []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))}
	var pendingResults []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(pendingResults) > 0 {
			messages = append(messages, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case llm.RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Arguments, call.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			if strings.TrimSpace(m.Content) != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	flush()
	return messages
}

func inputSchema(raw json.RawMessage) (anthropic.ToolInputSchemaParam, error) {
	schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
	if len(raw) == 0 {
		return schema, nil
	}
	var decoded struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return schema, err
	}
	if decoded.Properties != nil {
		schema.Properties = decoded.Properties
	}
	schema.Required = decoded.Required
	return schema, nil
}
