package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/pkg/logger"
)

func newTestServer() *server.MCPServer {
	srv := server.NewMCPServer("test-tools", "1.0.0", server.WithToolCapabilities(true))
	srv.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the text back"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to echo")),
		),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, ok := request.Params.Arguments.(map[string]interface{})
			if !ok {
				return mcp.NewToolResultError("Invalid arguments type"), nil
			}
			text, _ := args["text"].(string)
			return mcp.NewToolResultText("echo: " + text), nil
		},
	)
	srv.AddTool(
		mcp.NewTool("explode", mcp.WithDescription("Always fails")),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("boom"), nil
		},
	)
	return srv
}

func TestInProcessProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	provider, err := NewInProcessProvider(ctx, "local", newTestServer())
	require.NoError(t, err)
	defer provider.Close()

	hub := NewHub(WithHubLogger(logger.Discard()))
	require.NoError(t, hub.Register(provider))
	require.Error(t, hub.Register(provider), "duplicate provider ids are rejected")

	tools, err := hub.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)

	table := NewToolTable(tools)
	echo, ok := table.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, "local", echo.ProviderID)
	assert.Contains(t, string(echo.InputSchema), "text")

	res, err := hub.CallTool(ctx, "local", "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", res.Content)
	assert.False(t, res.IsError)

	res, err = hub.CallTool(ctx, "local", "explode", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "boom", res.Content)
}

func TestHubMissingProviderIsUnavailable(t *testing.T) {
	hub := NewHub(WithHubLogger(logger.Discard()))
	_, err := hub.CallTool(context.Background(), "ghost", "x", nil)
	require.Error(t, err)
	assert.Equal(t, CodeProviderUnavailable, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
}

func TestValidateArguments(t *testing.T) {
	d := Descriptor{
		Name:        "echo",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}
	require.NoError(t, ValidateArguments(d, map[string]any{"text": "ok"}))

	err := ValidateArguments(d, map[string]any{"text": 3})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArguments, xerrors.CodeOf(err))

	err = ValidateArguments(d, nil)
	require.Error(t, err)

	require.NoError(t, ValidateArguments(Descriptor{Name: "free"}, nil))
}

func TestToolTableQualifiesDuplicates(t *testing.T) {
	table := NewToolTable([]Descriptor{
		{Name: "search", ProviderID: "web"},
		{Name: "search", ProviderID: "docs"},
		{ToolName: "read", ProviderID: "docs"},
	})
	require.Equal(t, 3, table.Len())

	first, ok := table.Lookup("search")
	require.True(t, ok)
	assert.Equal(t, "web", first.ProviderID)

	second, ok := table.Lookup("docs__search")
	require.True(t, ok)
	assert.Equal(t, "search", second.ToolName)

	read, ok := table.Lookup("read")
	require.True(t, ok)
	assert.Equal(t, "read", read.Name)
	assert.Equal(t, []string{"docs", "web"}, table.Providers())
}

type flakyClient struct {
	failures int32
	err      error
	calls    atomic.Int32
	delay    time.Duration
}

func (f *flakyClient) CallTool(ctx context.Context, providerID, tool string, args map[string]any) (*Result, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= f.failures {
		return nil, f.err
	}
	return &Result{Content: fmt.Sprintf("ok after %d", n)}, nil
}

func (f *flakyClient) ListTools(ctx context.Context) ([]Descriptor, error) { return nil, nil }

func fastPolicy() RetryPolicy {
	return RetryPolicy{Timeout: time.Second, MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryingRetriesRetryableErrors(t *testing.T) {
	inner := &flakyClient{failures: 2, err: xerrors.New(CodeProviderUnavailable, "down")}
	r := NewRetrying(inner, fastPolicy(), WithRetryLogger(logger.Discard()))

	res, err := r.CallTool(context.Background(), "p", "t", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok after 3", res.Content)
	assert.EqualValues(t, 3, inner.calls.Load())
}

func TestRetryingStopsOnPermanentErrors(t *testing.T) {
	inner := &flakyClient{failures: 5, err: xerrors.New(CodeInvalidArguments, "bad")}
	r := NewRetrying(inner, fastPolicy(), WithRetryLogger(logger.Discard()))

	_, err := r.CallTool(context.Background(), "p", "t", nil)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArguments, xerrors.CodeOf(err))
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestRetryingExhaustsBudget(t *testing.T) {
	inner := &flakyClient{failures: 10, err: xerrors.New(CodeProviderUnavailable, "down")}
	r := NewRetrying(inner, fastPolicy(), WithRetryLogger(logger.Discard()))

	_, err := r.CallTool(context.Background(), "p", "t", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeRetriesExhausted, xerrors.CodeOf(err))
	assert.True(t, xerrors.HasCode(err, CodeProviderUnavailable))
	assert.EqualValues(t, 3, inner.calls.Load())
}

func TestRetryingAppliesPerAttemptTimeout(t *testing.T) {
	inner := &flakyClient{delay: 50 * time.Millisecond}
	policy := fastPolicy()
	policy.Timeout = 5 * time.Millisecond
	policy.MaxAttempts = 2
	r := NewRetrying(inner, DefaultRetryPolicy(), WithProviderPolicy("slow", policy), WithRetryLogger(logger.Discard()))

	_, err := r.CallTool(context.Background(), "slow", "t", nil)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTimeout))
	assert.EqualValues(t, 2, inner.calls.Load())
	assert.Equal(t, 30*time.Second, r.PolicyFor("other").Timeout)
}
