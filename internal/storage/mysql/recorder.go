package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"OpenMCP-Swarm/internal/storage"
)

const (
	insertExecutionSQL = `INSERT INTO swarm_executions
    (id, thread_id, task, status, result, confidence, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE status = VALUES(status), updated_at = VALUES(updated_at)`
	updateExecutionSQL = `UPDATE swarm_executions SET status = ?, result = ?, confidence = ?, updated_at = ?
    WHERE id = ?`
	upsertAgentSQL = `INSERT INTO swarm_agents
    (execution_id, role, agent_id, status, turns, result, error, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE agent_id = VALUES(agent_id), status = VALUES(status), turns = VALUES(turns),
    result = VALUES(result), error = VALUES(error), updated_at = VALUES(updated_at)`
	upsertTaskSQL = `INSERT INTO swarm_tasks
    (execution_id, task_id, description, role, status, updated_at)
    VALUES (?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE role = VALUES(role), status = VALUES(status), updated_at = VALUES(updated_at)`
	upsertToolSQL = `INSERT INTO swarm_tool_executions
    (execution_id, approval_id, role, tool, provider_id, risk, status, result, error, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE status = VALUES(status), result = VALUES(result), error = VALUES(error),
    updated_at = VALUES(updated_at)`
	insertLogSQL = `INSERT INTO swarm_logs (execution_id, level, role, message, created_at)
    VALUES (?, ?, ?, ?, ?)`
)

// SQLRecorder 将持久化钩子写入 MySQL。
type SQLRecorder struct {
	db *sql.DB
}

// NewSQLRecorder 建立连接并执行迁移。
func NewSQLRecorder(ctx context.Context, cfg Config) (*SQLRecorder, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLRecorder{db: db}, nil
}

// CreateExecution 实现 storage.Recorder。
func (s *SQLRecorder) CreateExecution(ctx context.Context, rec storage.ExecutionRecord) error {
	if _, err := s.db.ExecContext(ctx, insertExecutionSQL,
		rec.ID, rec.ThreadID, rec.Task, rec.Status, rec.Result, rec.Confidence,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入执行记录失败: %w", err)
	}
	return nil
}

// UpdateExecutionStatus 实现 storage.Recorder。
func (s *SQLRecorder) UpdateExecutionStatus(ctx context.Context, rec storage.ExecutionRecord) error {
	if _, err := s.db.ExecContext(ctx, updateExecutionSQL,
		rec.Status, rec.Result, rec.Confidence, rec.UpdatedAt.UnixMilli(), rec.ID,
	); err != nil {
		return fmt.Errorf("更新执行状态失败: %w", err)
	}
	return nil
}

// SaveAgent 实现 storage.Recorder。
func (s *SQLRecorder) SaveAgent(ctx context.Context, rec storage.AgentRecord) error {
	if _, err := s.db.ExecContext(ctx, upsertAgentSQL,
		rec.ExecutionID, rec.Role, rec.AgentID, rec.Status, rec.Turns, rec.Result, rec.Error, rec.UpdatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入智能体记录失败: %w", err)
	}
	return nil
}

// SaveTask 实现 storage.Recorder。
func (s *SQLRecorder) SaveTask(ctx context.Context, rec storage.TaskRecord) error {
	if _, err := s.db.ExecContext(ctx, upsertTaskSQL,
		rec.ExecutionID, rec.TaskID, rec.Description, rec.Role, rec.Status, rec.UpdatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入子任务记录失败: %w", err)
	}
	return nil
}

// SaveToolExecution 实现 storage.Recorder。
func (s *SQLRecorder) SaveToolExecution(ctx context.Context, rec storage.ToolRecord) error {
	if _, err := s.db.ExecContext(ctx, upsertToolSQL,
		rec.ExecutionID, rec.ApprovalID, rec.Role, rec.Tool, rec.ProviderID, rec.Risk, rec.Status,
		rec.Result, rec.Error, rec.UpdatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入工具调用记录失败: %w", err)
	}
	return nil
}

// AppendLog 实现 storage.Recorder。
func (s *SQLRecorder) AppendLog(ctx context.Context, rec storage.LogRecord) error {
	if _, err := s.db.ExecContext(ctx, insertLogSQL,
		rec.ExecutionID, rec.Level, rec.Role, rec.Message, rec.At.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入执行日志失败: %w", err)
	}
	return nil
}

// ListExecutions 查询最近的执行记录。
func (s *SQLRecorder) ListExecutions(ctx context.Context, limit int) ([]storage.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, thread_id, task, status, result, confidence, created_at, updated_at
    FROM swarm_executions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询执行记录失败: %w", err)
	}
	defer rows.Close()

	var records []storage.ExecutionRecord
	for rows.Next() {
		var rec storage.ExecutionRecord
		var result sql.NullString
		var created, updated int64
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.Task, &rec.Status, &result, &rec.Confidence, &created, &updated); err != nil {
			return nil, fmt.Errorf("解析执行记录失败: %w", err)
		}
		rec.Result = result.String
		rec.CreatedAt = unixMilli(created)
		rec.UpdatedAt = unixMilli(updated)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历执行记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRecorder) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func unixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
