package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"
	// SQLite 驱动，纯 Go 实现无需 cgo。
	_ "modernc.org/sqlite"

	"OpenMCP-Swarm/internal/capability"
	"OpenMCP-Swarm/internal/engine"
	xerrors "OpenMCP-Swarm/internal/errors"
	"OpenMCP-Swarm/internal/storage/mysql"
)

const mysqlJobSchema = `CREATE TABLE IF NOT EXISTS swarm_jobs (
        id VARCHAR(64) PRIMARY KEY,
        kind VARCHAR(16) NOT NULL,
        thread_id VARCHAR(64) NOT NULL,
        task TEXT,
        payload LONGTEXT,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        outcome LONGTEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_jobs_status (status),
        INDEX idx_jobs_thread (thread_id),
        INDEX idx_jobs_updated (updated_at)
)`

const sqliteJobSchema = `CREATE TABLE IF NOT EXISTS swarm_jobs (
        id TEXT PRIMARY KEY,
        kind TEXT NOT NULL,
        thread_id TEXT NOT NULL,
        task TEXT,
        payload TEXT,
        status TEXT NOT NULL,
        attempts INTEGER NOT NULL DEFAULT 0,
        max_retries INTEGER NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code TEXT DEFAULT '',
        outcome TEXT,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL
)`

const jobColumns = `id, kind, thread_id, task, payload, status, attempts, max_retries, last_error, error_code, outcome, created_at, updated_at`

// SQLStore 使用 MySQL 或 SQLite 记录作业状态，多个进程可共享同一张表。
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

// SQLStoreOption 自定义 SQLStore。
type SQLStoreOption func(*SQLStore)

// WithSQLClock 替换时间来源。
func WithSQLClock(clock func() time.Time) SQLStoreOption {
	return func(s *SQLStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMySQLStore 连接 MySQL 并确保作业表存在。
func NewMySQLStore(ctx context.Context, dsn string, opts ...SQLStoreOption) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := mysql.Open(ctx, mysql.Config{DSN: dsn, MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxLifetime: 10 * time.Minute})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	return newSQLStore(ctx, db, mysqlJobSchema, opts)
}

// NewSQLiteStore 打开（必要时创建）SQLite 作业库，适合同机多进程部署。
func NewSQLiteStore(ctx context.Context, path string, opts ...SQLStoreOption) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建作业库目录失败")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置 SQLite 参数失败")
		}
	}
	return newSQLStore(ctx, db, sqliteJobSchema, opts)
}

func newSQLStore(ctx context.Context, db *sql.DB, schema string, opts []SQLStoreOption) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 swarm_jobs 表失败")
	}
	s := &SQLStore{db: db, clock: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// jobPayload 保存作业的调用参数。Options.Tools 的 nil 与空切片含义不同，单独记录。
type jobPayload struct {
	Options   engine.Options    `json:"options"`
	Decisions []engine.Decision `json:"decisions,omitempty"`
	NoTools   bool              `json:"no_tools,omitempty"`
}

// Create 插入新的作业记录。
func (s *SQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 不能为空")
	}
	now := s.clock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	payload, err := json.Marshal(jobPayload{
		Options:   job.Options,
		Decisions: job.Decisions,
		NoTools:   job.Options.Tools != nil && len(job.Options.Tools) == 0,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业参数失败")
	}

	const stmt = `INSERT INTO swarm_jobs (` + jobColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', NULL, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		job.ID,
		string(job.Kind),
		job.ThreadID,
		job.Task,
		string(payload),
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if duplicateKey(err) {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入作业失败")
	}
	return nil
}

// Get 查询指定作业。
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM swarm_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业失败")
	}
	return job, nil
}

// Claim 以条件更新领取作业，同一作业只会被一个进程领取。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	const stmt = `UPDATE swarm_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusRunning), s.clock().UnixNano(), id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取作业失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return job, nil
	}
	switch job.Status {
	case StatusSucceeded:
		return job, ErrJobCompleted
	case StatusRunning:
		return job, ErrJobConflict
	default:
		// 终态失败或重试耗尽
		return job, ErrJobExhausted
	}
}

// MarkSucceeded 记录引擎返回的结果。
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, outcome *engine.Outcome) error {
	var encoded sql.NullString
	if outcome != nil {
		data, err := json.Marshal(outcome)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码作业结果失败")
		}
		encoded = sql.NullString{String: string(data), Valid: true}
	}
	const stmt = `UPDATE swarm_jobs SET status = ?, outcome = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusSucceeded), encoded, s.clock().UnixNano(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记作业成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFailed 标记作业失败。非终态失败会回到 pending 等待重投。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	const stmt = `UPDATE swarm_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), lastError, string(code), s.clock().UnixNano(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记作业失败状态出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// List 返回符合过滤条件的作业。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := `SELECT ` + jobColumns + ` FROM swarm_jobs`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id ASC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析作业记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历作业失败")
	}
	return jobs, nil
}

// Stats 统计符合过滤条件的作业数量与更新时间范围。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (JobStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM swarm_jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats JobStats
	var oldest, newest int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&oldest,
		&newest,
	); err != nil {
		return JobStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业统计失败")
	}
	if stats.Total > 0 {
		stats.OldestUpdatedAt = time.Unix(0, oldest).UTC()
		stats.NewestUpdatedAt = time.Unix(0, newest).UTC()
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                    Job
		kind, status           string
		task, payload, outcome sql.NullString
		lastError, errorCode   sql.NullString
		createdAt, updatedAt   int64
	)
	if err := row.Scan(
		&job.ID,
		&kind,
		&job.ThreadID,
		&task,
		&payload,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&lastError,
		&errorCode,
		&outcome,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	job.Kind = Kind(kind)
	job.Status = Status(status)
	job.Task = task.String
	job.LastError = lastError.String
	job.ErrorCode = errorCode.String
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if payload.Valid && payload.String != "" {
		var p jobPayload
		if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
			return nil, fmt.Errorf("decode job payload: %w", err)
		}
		job.Options = p.Options
		job.Decisions = p.Decisions
		if p.NoTools {
			job.Options.Tools = []capability.Descriptor{}
		}
	}
	if outcome.Valid && outcome.String != "" {
		var out engine.Outcome
		if err := json.Unmarshal([]byte(outcome.String), &out); err != nil {
			return nil, fmt.Errorf("decode job outcome: %w", err)
		}
		job.Outcome = &out
	}
	return &job, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Kinds) > 0 {
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", placeholders(len(opts.Kinds))))
		for _, kind := range opts.Kinds {
			args = append(args, string(kind))
		}
	}
	if opts.ThreadID != "" {
		conditions = append(conditions, "thread_id = ?")
		args = append(args, opts.ThreadID)
	}
	if !opts.UpdatedSince.IsZero() {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedSince.UnixNano())
	}
	if !opts.UpdatedUntil.IsZero() {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedUntil.UnixNano())
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func duplicateKey(err error) bool {
	var mysqlErr *driver.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLStore)(nil)
