package capability

import (
	"context"

	xerrors "OpenMCP-Swarm/internal/errors"
)

const (
	// CodeProviderUnavailable 表示能力提供方不可达，可重试。
	CodeProviderUnavailable xerrors.Code = "PROVIDER_UNAVAILABLE"
	// CodeToolNotFound 表示工具表中不存在该工具。
	CodeToolNotFound xerrors.Code = "TOOL_NOT_FOUND"
	// CodeInvalidArguments 表示工具参数未通过输入模式校验。
	CodeInvalidArguments xerrors.Code = "INVALID_TOOL_ARGUMENTS"
	// CodeToolFailed 表示工具自身返回了错误结果。
	CodeToolFailed xerrors.Code = "TOOL_FAILED"
)

func init() {
	xerrors.Register(CodeProviderUnavailable, xerrors.Attributes{
		Message:   "capability provider unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{
		Message:  "tool not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidArguments, xerrors.Attributes{
		Message:  "invalid tool arguments",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeToolFailed, xerrors.Attributes{
		Message:  "tool returned an error",
		Severity: xerrors.SeverityWarning,
	})
}

// Result 是一次工具调用的输出。
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Client 是引擎调用工具的统一入口。
type Client interface {
	CallTool(ctx context.Context, providerID, tool string, args map[string]any) (*Result, error)
	ListTools(ctx context.Context) ([]Descriptor, error)
}

// Provider 是单个能力提供方的会话。
type Provider interface {
	ID() string
	ListTools(ctx context.Context) ([]Descriptor, error)
	CallTool(ctx context.Context, tool string, args map[string]any) (*Result, error)
	Close() error
}
