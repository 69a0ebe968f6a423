package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/pkg/logger"
)

// clientName 是初始化 MCP 会话时上报的客户端名称。
const clientName = "openmcp-swarm"

// ProviderSpec 描述如何连接一个 MCP 提供方。
type ProviderSpec struct {
	ID        string
	Transport string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
}

// MCPProvider 是基于 mcp-go 的提供方会话。
type MCPProvider struct {
	id     string
	client *client.Client
	logger *slog.Logger
}

// Dial 根据传输方式建立 MCP 会话并完成初始化握手。
func Dial(ctx context.Context, spec ProviderSpec) (*MCPProvider, error) {
	var (
		c   *client.Client
		err error
	)
	switch strings.ToLower(spec.Transport) {
	case "", "stdio":
		env := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
		c, err = client.NewStdioMCPClient(spec.Command, env, spec.Args...)
	case "sse":
		c, err = client.NewSSEMCPClient(spec.URL)
		if err == nil {
			if startErr := c.Start(ctx); startErr != nil {
				_ = c.Close()
				err = startErr
			}
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported transport %q", spec.Transport))
	}
	if err != nil {
		return nil, xerrors.Wrap(CodeProviderUnavailable, err, fmt.Sprintf("connect provider %s", spec.ID),
			xerrors.WithMetadata("provider", spec.ID))
	}
	return newMCPProvider(ctx, spec.ID, c)
}

// NewInProcessProvider 直接连接进程内的 MCP 服务端，常用于内置工具与测试。
func NewInProcessProvider(ctx context.Context, id string, srv *server.MCPServer) (*MCPProvider, error) {
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, xerrors.Wrap(CodeProviderUnavailable, err, fmt.Sprintf("connect provider %s", id))
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, xerrors.Wrap(CodeProviderUnavailable, err, fmt.Sprintf("start provider %s", id))
	}
	return newMCPProvider(ctx, id, c)
}

func newMCPProvider(ctx context.Context, id string, c *client.Client) (*MCPProvider, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: "1.0.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, xerrors.Wrap(CodeProviderUnavailable, err, fmt.Sprintf("initialize provider %s", id),
			xerrors.WithMetadata("provider", id))
	}
	return &MCPProvider{
		id:     id,
		client: c,
		logger: logger.Named("capability").With(slog.String("provider", id)),
	}, nil
}

// ID 返回提供方标识。
func (p *MCPProvider) ID() string { return p.id }

// ListTools 返回提供方暴露的工具描述。
func (p *MCPProvider) ListTools(ctx context.Context) ([]Descriptor, error) {
	res, err := p.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, xerrors.Wrap(CodeProviderUnavailable, err, "list tools", xerrors.WithMetadata("provider", p.id))
	}
	out := make([]Descriptor, 0, len(res.Tools))
	for _, tool := range res.Tools {
		schema := tool.RawInputSchema
		if len(schema) == 0 {
			encoded, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("encode input schema for %s: %w", tool.Name, err)
			}
			schema = encoded
		}
		out = append(out, Descriptor{
			Name:        tool.Name,
			ToolName:    tool.Name,
			ProviderID:  p.id,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}

// CallTool 调用工具并拼接文本内容。传输层错误视为提供方不可用。
func (p *MCPProvider) CallTool(ctx context.Context, tool string, args map[string]any) (*Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	started := time.Now()
	res, err := p.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("call %s", tool),
				xerrors.WithMetadata("provider", p.id))
		}
		return nil, xerrors.Wrap(CodeProviderUnavailable, err, fmt.Sprintf("call %s", tool),
			xerrors.WithMetadata("provider", p.id))
	}
	p.logger.Debug("工具调用完成", slog.String("tool", tool), slog.Duration("duration", time.Since(started)), slog.Bool("is_error", res.IsError))
	return &Result{Content: textOf(res), IsError: res.IsError}, nil
}

// Close 关闭会话。
func (p *MCPProvider) Close() error {
	return p.client.Close()
}

func textOf(res *mcp.CallToolResult) string {
	parts := make([]string, 0, len(res.Content))
	for _, content := range res.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
			continue
		}
		encoded, err := json.Marshal(content)
		if err == nil {
			parts = append(parts, string(encoded))
		}
	}
	return strings.Join(parts, "\n")
}

var _ Provider = (*MCPProvider)(nil)
