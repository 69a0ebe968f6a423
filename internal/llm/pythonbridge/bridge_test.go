package pythonbridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Swarm/internal/llm"
)

func TestDecodeResponse(t *testing.T) {
	resp, err := decodeResponse([]byte(`{"content":" done ","tool_calls":[{"name":"search"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.NotNil(t, resp.ToolCalls[0].Arguments)
}

func TestDecodeResponsePending(t *testing.T) {
	_, err := decodeResponse([]byte(`{"pending":true}`))
	assert.True(t, errors.Is(err, llm.ErrPending))
}

func TestDecodeResponseInvalid(t *testing.T) {
	_, err := decodeResponse([]byte(`not json`))
	require.Error(t, err)
}

func TestNewClientRequiresScript(t *testing.T) {
	_, err := NewClient("", "", "")
	require.Error(t, err)

	c, err := NewClient("", "bridge.py", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, "python3", c.pythonExec)
}

func TestResolveScriptPath(t *testing.T) {
	assert.Equal(t, "", ResolveScriptPath("/base", ""))
	assert.Equal(t, "/abs/x.py", ResolveScriptPath("/base", "/abs/x.py"))
	assert.Equal(t, "/base/x.py", ResolveScriptPath("/base", "x.py"))
	assert.Equal(t, "x.py", ResolveScriptPath("", "x.py"))
}
