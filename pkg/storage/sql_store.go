package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/models"
)

// Dialect SQL 方言
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// 每张表只把查询需要的列拆出来，完整记录放在 data 列（JSON）
var schema = []string{
	`CREATE TABLE IF NOT EXISTS transcription_jobs (
		job_id     TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		session_id TEXT NOT NULL,
		stage      TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		data       TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_session ON transcription_jobs (session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_user ON transcription_jobs (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_stage ON transcription_jobs (stage, updated_at)`,
	`CREATE TABLE IF NOT EXISTS upload_sessions (
		session_id TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		data       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS segments (
		job_id TEXT NOT NULL,
		idx    INTEGER NOT NULL,
		status TEXT NOT NULL,
		data   TEXT NOT NULL,
		PRIMARY KEY (job_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS output_assets (
		asset_id TEXT PRIMARY KEY,
		job_id   TEXT NOT NULL,
		format   TEXT NOT NULL,
		data     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assets_job ON output_assets (job_id)`,
}

var terminalStages = []models.Stage{models.StageComplete, models.StageFailed, models.StageCancelled}

// SQLStore PostgreSQL / SQLite 存储
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewPostgresStore 创建 PostgreSQL 存储
func NewPostgresStore(connStr string) (*SQLStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	// 设置连接池
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return newSQLStore(db, DialectPostgres)
}

// NewSQLiteStore 创建 SQLite 存储（单机部署）
func NewSQLiteStore(path string) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}
	db.SetMaxOpenConns(1)

	return newSQLStore(db, DialectSQLite)
}

func newSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 测试连接
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	return s, nil
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// q 把 $N 占位符改写成当前方言的形式
func (s *SQLStore) q(query string) string {
	if s.dialect == DialectSQLite {
		return placeholder.ReplaceAllString(query, "?$1")
	}
	return query
}

// forUpdate 事务内读取时加行锁（SQLite 由 BEGIN IMMEDIATE 保证）
func (s *SQLStore) forUpdate(query string) string {
	if s.dialect == DialectPostgres {
		return query + " FOR UPDATE"
	}
	return query
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// isUniqueViolation 按驱动错误码判断唯一约束冲突
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// ---- 任务 ----

func (s *SQLStore) upsertJob(ctx context.Context, ex execer, job *models.TranscriptionJob) error {
	data, err := models.EncodeJob(job)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}

	// UPSERT method
	query := `
	INSERT INTO transcription_jobs (job_id, user_id, session_id, stage, created_at, updated_at, data)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (job_id)
	DO UPDATE SET
	stage = EXCLUDED.stage,
	updated_at = EXCLUDED.updated_at,
	data = EXCLUDED.data
	`
	_, err = ex.ExecContext(ctx, s.q(query),
		job.JobID,
		job.UserID,
		job.SessionID,
		string(job.Stage),
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		string(data),
	)
	if isUniqueViolation(err) {
		return apperr.Conflict(apperr.CodeSessionAlreadyBound, "上传会话已绑定其他任务")
	}
	if err != nil {
		return fmt.Errorf("保存到数据库失败: %w", err)
	}
	return nil
}

// SaveJob 保存任务
func (s *SQLStore) SaveJob(ctx context.Context, job *models.TranscriptionJob) error {
	return s.upsertJob(ctx, s.db, job)
}

// GetJob 获取任务
func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*models.TranscriptionJob, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data FROM transcription_jobs WHERE job_id = $1`), jobID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	return models.DecodeJob([]byte(data))
}

// UpdateJob 事务内读-改-写
func (s *SQLStore) UpdateJob(ctx context.Context, jobID string, updateFn func(*models.TranscriptionJob) error) (*models.TranscriptionJob, error) {
	var updated *models.TranscriptionJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var data string
		query := s.forUpdate(`SELECT data FROM transcription_jobs WHERE job_id = $1`)
		err := tx.QueryRowContext(ctx, s.q(query), jobID).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return jobNotFound(jobID)
		}
		if err != nil {
			return fmt.Errorf("查询数据库失败: %w", err)
		}

		job, err := models.DecodeJob([]byte(data))
		if err != nil {
			return fmt.Errorf("反序列化任务失败: %w", err)
		}
		if err := updateFn(job); err != nil {
			return err
		}
		if err := s.upsertJob(ctx, tx, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLStore) scanJobs(rows *sql.Rows) ([]*models.TranscriptionJob, error) {
	defer rows.Close()

	jobs := make([]*models.TranscriptionJob, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("读取数据失败: %w", err)
		}
		job, err := models.DecodeJob([]byte(data))
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListJobs 按创建时间倒序列出任务
func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.TranscriptionJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(filter.Stages) > 0 {
		ph := make([]string, 0, len(filter.Stages))
		for _, st := range filter.Stages {
			args = append(args, string(st))
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "stage IN ("+strings.Join(ph, ", ")+")")
	}

	query := `SELECT data FROM transcription_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	return s.scanJobs(rows)
}

// ListStaleJobs 列出长时间未更新的非终态任务
func (s *SQLStore) ListStaleJobs(ctx context.Context, before time.Time) ([]*models.TranscriptionJob, error) {
	query := `
	SELECT data FROM transcription_jobs
	WHERE stage NOT IN ($1, $2, $3) AND updated_at < $4
	ORDER BY updated_at ASC
	`
	rows, err := s.db.QueryContext(ctx, s.q(query),
		string(terminalStages[0]), string(terminalStages[1]), string(terminalStages[2]),
		before.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	return s.scanJobs(rows)
}

// DeleteJob 删除任务
func (s *SQLStore) DeleteJob(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, s.q(`DELETE FROM transcription_jobs WHERE job_id = $1`), jobID)
	if err != nil {
		return fmt.Errorf("删除任务失败: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取删除结果失败: %w", err)
	}
	if rowsAffected == 0 {
		return jobNotFound(jobID)
	}
	return nil
}

// ---- 上传会话 ----

func (s *SQLStore) upsertSession(ctx context.Context, ex execer, session *models.UploadSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("序列化上传会话失败: %w", err)
	}
	query := `
	INSERT INTO upload_sessions (session_id, user_id, status, expires_at, data)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (session_id)
	DO UPDATE SET
	status = EXCLUDED.status,
	expires_at = EXCLUDED.expires_at,
	data = EXCLUDED.data
	`
	_, err = ex.ExecContext(ctx, s.q(query),
		session.SessionID,
		session.UserID,
		string(session.Status),
		session.ExpiresAt.UnixMilli(),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("保存上传会话失败: %w", err)
	}
	return nil
}

func decodeSession(data string) (*models.UploadSession, error) {
	var session models.UploadSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("反序列化上传会话失败: %w", err)
	}
	return &session, nil
}

func (s *SQLStore) SaveSession(ctx context.Context, session *models.UploadSession) error {
	return s.upsertSession(ctx, s.db, session)
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data FROM upload_sessions WHERE session_id = $1`), sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessionNotFound(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	return decodeSession(data)
}

func (s *SQLStore) UpdateSession(ctx context.Context, sessionID string, updateFn func(*models.UploadSession) error) (*models.UploadSession, error) {
	var updated *models.UploadSession
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var data string
		query := s.forUpdate(`SELECT data FROM upload_sessions WHERE session_id = $1`)
		err := tx.QueryRowContext(ctx, s.q(query), sessionID).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return sessionNotFound(sessionID)
		}
		if err != nil {
			return fmt.Errorf("查询数据库失败: %w", err)
		}
		session, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := updateFn(session); err != nil {
			return err
		}
		if err := s.upsertSession(ctx, tx, session); err != nil {
			return err
		}
		updated = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLStore) ListExpiredSessions(ctx context.Context, now time.Time) ([]*models.UploadSession, error) {
	query := `SELECT data FROM upload_sessions WHERE status = $1 AND expires_at < $2`
	rows, err := s.db.QueryContext(ctx, s.q(query), string(models.UploadOpen), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	defer rows.Close()

	out := make([]*models.UploadSession, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("读取数据失败: %w", err)
		}
		session, err := decodeSession(data)
		if err != nil {
			continue
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// ---- 片段 ----

func (s *SQLStore) upsertSegment(ctx context.Context, ex execer, seg *models.Segment) error {
	data, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("序列化片段失败: %w", err)
	}
	query := `
	INSERT INTO segments (job_id, idx, status, data)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (job_id, idx)
	DO UPDATE SET
	status = EXCLUDED.status,
	data = EXCLUDED.data
	`
	if _, err := ex.ExecContext(ctx, s.q(query), seg.JobID, seg.Index, string(seg.Status), string(data)); err != nil {
		return fmt.Errorf("保存片段失败: %w", err)
	}
	return nil
}

// SaveSegments 替换任务的全部片段
func (s *SQLStore) SaveSegments(ctx context.Context, jobID string, segments []*models.Segment) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM segments WHERE job_id = $1`), jobID); err != nil {
			return fmt.Errorf("清理旧片段失败: %w", err)
		}
		for _, seg := range segments {
			if err := s.upsertSegment(ctx, tx, seg); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) ListSegments(ctx context.Context, jobID string) ([]*models.Segment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT data FROM segments WHERE job_id = $1 ORDER BY idx ASC`), jobID)
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Segment, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("读取数据失败: %w", err)
		}
		var seg models.Segment
		if err := json.Unmarshal([]byte(data), &seg); err != nil {
			return nil, fmt.Errorf("反序列化片段失败: %w", err)
		}
		out = append(out, &seg)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateSegment(ctx context.Context, jobID string, index int, updateFn func(*models.Segment) error) (*models.Segment, error) {
	var updated *models.Segment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var data string
		query := s.forUpdate(`SELECT data FROM segments WHERE job_id = $1 AND idx = $2`)
		err := tx.QueryRowContext(ctx, s.q(query), jobID, index).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return segmentNotFound(jobID, index)
		}
		if err != nil {
			return fmt.Errorf("查询数据库失败: %w", err)
		}
		var seg models.Segment
		if err := json.Unmarshal([]byte(data), &seg); err != nil {
			return fmt.Errorf("反序列化片段失败: %w", err)
		}
		if err := updateFn(&seg); err != nil {
			return err
		}
		if err := s.upsertSegment(ctx, tx, &seg); err != nil {
			return err
		}
		updated = &seg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLStore) DeleteSegments(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM segments WHERE job_id = $1`), jobID); err != nil {
		return fmt.Errorf("删除片段失败: %w", err)
	}
	return nil
}

// ---- 输出资产 ----

func (s *SQLStore) SaveAsset(ctx context.Context, asset *models.OutputAsset) error {
	data, err := json.Marshal(asset)
	if err != nil {
		return fmt.Errorf("序列化输出文件失败: %w", err)
	}
	query := `
	INSERT INTO output_assets (asset_id, job_id, format, data)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (asset_id)
	DO UPDATE SET data = EXCLUDED.data
	`
	if _, err := s.db.ExecContext(ctx, s.q(query), asset.AssetID, asset.JobID, string(asset.Format), string(data)); err != nil {
		return fmt.Errorf("保存输出文件失败: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAsset(ctx context.Context, assetID string) (*models.OutputAsset, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data FROM output_assets WHERE asset_id = $1`), assetID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, assetNotFound(assetID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	var asset models.OutputAsset
	if err := json.Unmarshal([]byte(data), &asset); err != nil {
		return nil, fmt.Errorf("反序列化输出文件失败: %w", err)
	}
	return &asset, nil
}

func (s *SQLStore) ListAssets(ctx context.Context, jobID string) ([]*models.OutputAsset, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT data FROM output_assets WHERE job_id = $1`), jobID)
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	defer rows.Close()

	out := make([]*models.OutputAsset, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("读取数据失败: %w", err)
		}
		var asset models.OutputAsset
		if err := json.Unmarshal([]byte(data), &asset); err != nil {
			continue
		}
		out = append(out, &asset)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteAssets(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM output_assets WHERE job_id = $1`), jobID); err != nil {
		return fmt.Errorf("删除输出文件失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (s *SQLStore) Close() error {
	return s.db.Close()
}
