package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecorderReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rec, err := NewMemoryRecorder(dir)
	require.NoError(t, err)
	require.NoError(t, rec.CreateExecution(ctx, ExecutionRecord{ID: "e1", ThreadID: "t1", Task: "task", Status: "running", CreatedAt: now}))
	require.NoError(t, rec.SaveAgent(ctx, AgentRecord{ExecutionID: "e1", Role: "writer", Status: "busy"}))
	require.NoError(t, rec.SaveAgent(ctx, AgentRecord{ExecutionID: "e1", Role: "writer", Status: "completed", Result: "done"}))
	require.NoError(t, rec.SaveTask(ctx, TaskRecord{ExecutionID: "e1", TaskID: "subtask-1", Status: "completed"}))
	require.NoError(t, rec.SaveToolExecution(ctx, ToolRecord{ExecutionID: "e1", ApprovalID: "a1", Tool: "search", Status: "executed"}))
	require.NoError(t, rec.AppendLog(ctx, LogRecord{ExecutionID: "e1", Level: "info", Message: "hello"}))
	require.NoError(t, rec.UpdateExecutionStatus(ctx, ExecutionRecord{ID: "e1", Status: "completed", Result: "final", Confidence: 1, UpdatedAt: now}))

	restored, err := NewMemoryRecorder(dir)
	require.NoError(t, err)
	exec, ok := restored.Execution("e1")
	require.True(t, ok)
	assert.Equal(t, "completed", exec.Status)
	assert.Equal(t, "final", exec.Result)
	assert.Equal(t, "task", exec.Task)

	agents := restored.Agents("e1")
	require.Len(t, agents, 1)
	assert.Equal(t, "completed", agents[0].Status)
	assert.Len(t, restored.Tasks("e1"), 1)
	assert.Len(t, restored.ToolExecutions("e1"), 1)
	assert.Equal(t, []LogRecord{{ExecutionID: "e1", Level: "info", Message: "hello"}}, restored.Logs("e1"))
}

type blockingRecorder struct {
	NopRecorder
	mu      sync.Mutex
	release chan struct{}
	logs    []string
}

func (b *blockingRecorder) AppendLog(_ context.Context, rec LogRecord) error {
	<-b.release
	b.mu.Lock()
	b.logs = append(b.logs, rec.Message)
	b.mu.Unlock()
	return nil
}

type failingRecorder struct{ NopRecorder }

func (failingRecorder) AppendLog(context.Context, LogRecord) error { return errors.New("disk full") }

func TestAsyncRecorderDropsWhenFull(t *testing.T) {
	next := &blockingRecorder{release: make(chan struct{})}
	async := NewAsyncRecorder(next, 1)

	for i := 0; i < 10; i++ {
		require.NoError(t, async.AppendLog(context.Background(), LogRecord{Message: "m"}))
	}
	assert.Positive(t, async.Dropped())

	close(next.release)
	require.NoError(t, async.Close())
	next.mu.Lock()
	defer next.mu.Unlock()
	assert.NotEmpty(t, next.logs)
	assert.LessOrEqual(t, len(next.logs), 2)

	require.NoError(t, async.AppendLog(context.Background(), LogRecord{Message: "after close"}))
}

func TestAsyncRecorderSwallowsErrors(t *testing.T) {
	async := NewAsyncRecorder(failingRecorder{}, 4)
	require.NoError(t, async.AppendLog(context.Background(), LogRecord{Message: "x"}))
	require.NoError(t, async.Close())
}
