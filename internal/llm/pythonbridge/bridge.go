package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"OpenMCP-Swarm/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。
//
// 脚本从标准输入读取 JSON 请求，向标准输出写出
// {"content": string, "tool_calls": [...], "pending": bool}。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

type bridgeRequest struct {
	llm.Request
	Timestamp int64 `json:"timestamp"`
}

type bridgeResponse struct {
	Content   string         `json:"content"`
	ToolCalls []llm.ToolCall `json:"tool_calls"`
	Pending   bool           `json:"pending"`
}

// Generate 调用外部脚本，并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(bridgeRequest{Request: req, Timestamp: time.Now().Unix()})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}
	return decodeResponse(stdout.Bytes())
}

func decodeResponse(data []byte) (*llm.Response, error) {
	var resp bridgeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("解析 Python 输出失败: %w", err)
	}
	if resp.Pending {
		return nil, llm.ErrPending
	}
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].ID == "" {
			resp.ToolCalls[i].ID = fmt.Sprintf("call_%d", i+1)
		}
		if resp.ToolCalls[i].Arguments == nil {
			resp.ToolCalls[i].Arguments = map[string]any{}
		}
	}
	return &llm.Response{
		Content:   strings.TrimSpace(resp.Content),
		ToolCalls: resp.ToolCalls,
	}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
