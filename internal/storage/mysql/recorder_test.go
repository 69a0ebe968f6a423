package mysql

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"OpenMCP-Swarm/internal/storage"
)

var recordTime = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func TestSQLRecorderWritesHooks(t *testing.T) {
	t.Parallel()

	ms := recordTime.UnixMilli()
	db, drv := newMockDB(t, []mockOperation{
		execOp(insertExecutionSQL, mockResult{rowsAffected: 1}, "e1", "t1", "task", "running", "", 0.0, ms, ms),
		execOp(upsertAgentSQL, mockResult{rowsAffected: 1}, "e1", "writer", "a1", "busy", int64(1), "", "", ms),
		execOp(upsertTaskSQL, mockResult{rowsAffected: 1}, "e1", "subtask-1", "write it", "writer", "running", ms),
		execOp(upsertToolSQL, mockResult{rowsAffected: 1}, "e1", "ap1", "writer", "search", "web", "low", "executed", "ok", "", ms),
		execOp(insertLogSQL, mockResult{rowsAffected: 1}, "e1", "info", "writer", "hello", ms),
		execOp(updateExecutionSQL, mockResult{rowsAffected: 1}, "completed", "done", 1.0, ms, "e1"),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	rec := &SQLRecorder{db: db}
	ctx := context.Background()
	steps := []error{
		rec.CreateExecution(ctx, storage.ExecutionRecord{ID: "e1", ThreadID: "t1", Task: "task", Status: "running", CreatedAt: recordTime, UpdatedAt: recordTime}),
		rec.SaveAgent(ctx, storage.AgentRecord{ExecutionID: "e1", AgentID: "a1", Role: "writer", Status: "busy", Turns: 1, UpdatedAt: recordTime}),
		rec.SaveTask(ctx, storage.TaskRecord{ExecutionID: "e1", TaskID: "subtask-1", Description: "write it", Role: "writer", Status: "running", UpdatedAt: recordTime}),
		rec.SaveToolExecution(ctx, storage.ToolRecord{ExecutionID: "e1", ApprovalID: "ap1", Role: "writer", Tool: "search", ProviderID: "web", Risk: "low", Status: "executed", Result: "ok", UpdatedAt: recordTime}),
		rec.AppendLog(ctx, storage.LogRecord{ExecutionID: "e1", Level: "info", Role: "writer", Message: "hello", At: recordTime}),
		rec.UpdateExecutionStatus(ctx, storage.ExecutionRecord{ID: "e1", Status: "completed", Result: "done", Confidence: 1, UpdatedAt: recordTime}),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
}

func TestSQLRecorderListExecutions(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"id", "thread_id", "task", "status", "result", "confidence", "created_at", "updated_at"},
		values: [][]driver.Value{
			{"e2", "t2", "second", "completed", "r2", 0.5, int64(20), int64(21)},
			{"e1", "t1", "first", "running", nil, 0.0, int64(10), int64(10)},
		},
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT id, thread_id, task, status, result, confidence, created_at, updated_at
    FROM swarm_executions ORDER BY created_at DESC, id DESC LIMIT ?`, rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	list, err := (&SQLRecorder{db: db}).ListExecutions(context.Background(), 2)
	if err != nil {
		t.Fatalf("list executions failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "e2" || list[1].Result != "" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if !list[0].UpdatedAt.Equal(time.UnixMilli(21)) {
		t.Fatalf("unexpected updated_at: %v", list[0].UpdatedAt)
	}
}

func TestMigrateAppliesEmbeddedFiles(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatalf("expected embedded migrations")
	}

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
	}
	for _, file := range files {
		ops = append(ops, beginOp())
		for _, stmt := range file.statements {
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		ops = append(ops,
			execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
			commitOp(),
		)
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if files[0].version != "0001" {
		t.Fatalf("unexpected first version %s", files[0].version)
	}
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp("", mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
}
