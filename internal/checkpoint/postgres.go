package checkpoint

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS swarm_checkpoints (
        thread_id TEXT PRIMARY KEY,
        execution_id TEXT NOT NULL,
        status TEXT NOT NULL,
        state BYTEA NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore 使用 pgx 连接池存储检查点。
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 连接 PostgreSQL 并确保表结构存在。
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("初始化 postgres 检查点表失败: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save 实现 Store。
func (p *PostgresStore) Save(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO swarm_checkpoints (thread_id, execution_id, status, state, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (thread_id) DO UPDATE SET execution_id = EXCLUDED.execution_id,
        status = EXCLUDED.status, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		rec.ThreadID, rec.ExecutionID, string(rec.Status), rec.State, rec.UpdatedAt)
	if err != nil {
		return storeError(err, "save")
	}
	return nil
}

// Load 实现 Store。
func (p *PostgresStore) Load(ctx context.Context, threadID string) (Record, error) {
	var rec Record
	var status string
	err := p.pool.QueryRow(ctx,
		`SELECT thread_id, execution_id, status, state, updated_at FROM swarm_checkpoints WHERE thread_id = $1`, threadID).
		Scan(&rec.ThreadID, &rec.ExecutionID, &status, &rec.State, &rec.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, pgx.ErrNoRows) {
			return Record{}, NotFound(threadID)
		}
		return Record{}, storeError(err, "load")
	}
	rec.Status = Status(status)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// Delete 实现 Store。
func (p *PostgresStore) Delete(ctx context.Context, threadID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM swarm_checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return storeError(err, "delete")
	}
	return nil
}

// Prune 删除 before 之前更新的检查点。
func (p *PostgresStore) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM swarm_checkpoints WHERE updated_at < $1`, before)
	if err != nil {
		return 0, storeError(err, "prune")
	}
	return int(tag.RowsAffected()), nil
}

// Close 关闭连接池。
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
