package checkpoint

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// SQLite 驱动，纯 Go 实现无需 cgo。
	_ "modernc.org/sqlite"

	"OpenMCP-Swarm/internal/storage/mysql"
)

type dialect struct {
	name   string
	schema string
	upsert string
}

var (
	mysqlDialect = dialect{
		name: "mysql",
		schema: `CREATE TABLE IF NOT EXISTS swarm_checkpoints (
        thread_id VARCHAR(64) NOT NULL PRIMARY KEY,
        execution_id VARCHAR(64) NOT NULL,
        status VARCHAR(32) NOT NULL,
        state LONGBLOB NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_checkpoints_updated (updated_at)
)`,
		upsert: `INSERT INTO swarm_checkpoints (thread_id, execution_id, status, state, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE execution_id = VALUES(execution_id), status = VALUES(status),
        state = VALUES(state), updated_at = VALUES(updated_at)`,
	}
	sqliteDialect = dialect{
		name: "sqlite",
		schema: `CREATE TABLE IF NOT EXISTS swarm_checkpoints (
        thread_id TEXT NOT NULL PRIMARY KEY,
        execution_id TEXT NOT NULL,
        status TEXT NOT NULL,
        state BLOB NOT NULL,
        updated_at INTEGER NOT NULL
)`,
		upsert: `INSERT INTO swarm_checkpoints (thread_id, execution_id, status, state, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(thread_id) DO UPDATE SET execution_id = excluded.execution_id,
        status = excluded.status, state = excluded.state, updated_at = excluded.updated_at`,
	}
)

// SQLStore 基于 database/sql 的检查点存储，支持 MySQL 与 SQLite。
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewMySQLStore 连接 MySQL 并确保表结构存在。
func NewMySQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := mysql.Open(ctx, mysql.Config{DSN: dsn})
	if err != nil {
		return nil, err
	}
	return newSQLStore(ctx, db, mysqlDialect)
}

// NewSQLiteStore 打开（必要时创建）SQLite 数据库文件。
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	return newSQLStore(ctx, db, sqliteDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化 %s 检查点表失败: %w", d.name, err)
	}
	return &SQLStore{db: db, dialect: d}, nil
}

// Save 实现 Store。
func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert,
		rec.ThreadID, rec.ExecutionID, string(rec.Status), rec.State, rec.UpdatedAt.UnixNano(),
	); err != nil {
		return storeError(err, "save")
	}
	return nil
}

// Load 实现 Store。
func (s *SQLStore) Load(ctx context.Context, threadID string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, execution_id, status, state, updated_at FROM swarm_checkpoints WHERE thread_id = ?`, threadID)
	var rec Record
	var status string
	var updated int64
	if err := row.Scan(&rec.ThreadID, &rec.ExecutionID, &status, &rec.State, &updated); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Record{}, NotFound(threadID)
		}
		return Record{}, storeError(err, "load")
	}
	rec.Status = Status(status)
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

// Delete 实现 Store。
func (s *SQLStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM swarm_checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return storeError(err, "delete")
	}
	return nil
}

// Prune 删除 before 之前更新的检查点。
func (s *SQLStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM swarm_checkpoints WHERE updated_at < ?`, before.UnixNano())
	if err != nil {
		return 0, storeError(err, "prune")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close 关闭底层连接池。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
