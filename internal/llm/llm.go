package llm

import (
	"context"
	"encoding/json"
	stdErrors "errors"
)

// Purpose 标识一次模型调用服务于哪个环节，便于适配器与测试桩区分。
type Purpose string

const (
	PurposeDecompose  Purpose = "decompose"
	PurposeAgent      Purpose = "agent"
	PurposeSynthesize Purpose = "synthesize"
)

// Role 是对话消息的角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ErrPending 表示模型无法同步给出结果，执行应挂起并在稍后恢复。
var ErrPending = stdErrors.New("llm: response pending")

// ToolSpec 描述可供模型调用的工具。
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCall 是模型请求的工具调用。
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message 是发送给模型的一条对话。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Request 描述发送给大模型的任务上下文。
type Request struct {
	Purpose      Purpose         `json:"purpose"`
	Role         string          `json:"role,omitempty"`
	SystemPrompt string          `json:"system_prompt"`
	Prompt       string          `json:"prompt"`
	Messages     []Message       `json:"messages,omitempty"`
	Tools        []ToolSpec      `json:"tools,omitempty"`
	Knowledge    []KnowledgeCard `json:"knowledge,omitempty"`
	Model        string          `json:"model,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// DecodeArguments 将模型返回的 JSON 参数解码为 map，空输入返回空 map。
func DecodeArguments(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
