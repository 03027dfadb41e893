package run

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"Aurora-Operator/internal/authz"
	"Aurora-Operator/internal/engine"
	xerrors "Aurora-Operator/internal/errors"
	"Aurora-Operator/internal/plan"
)

// MySQLStore 使用 MySQL 记录运行状态。计划、授权与结果
// 以 JSON 形式存储，检索条件只落在标量列上。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS run_states (
        id VARCHAR(64) PRIMARY KEY,
        origin VARCHAR(255) DEFAULT '',
        raw_input TEXT NOT NULL,
        mode VARCHAR(16) NOT NULL DEFAULT 'real',
        metadata TEXT,
        plan_json TEXT,
        authorization_json TEXT,
        prompt TEXT,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result_json TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_run_status (status),
        INDEX idx_run_origin (origin),
        INDEX idx_run_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 run_states 表失败")
	}
	return nil
}

// Create 插入新的运行记录。
func (s *MySQLStore) Create(ctx context.Context, r *Run) error {
	if r == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if strings.TrimSpace(r.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}

	now := time.Now().Unix()
	r.CreatedAt = now
	r.UpdatedAt = now

	metadataValue, err := marshalJSON(r.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码运行 metadata 失败")
	}
	planValue, err := marshalJSON(r.Plan)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行计划失败")
	}
	authValue, err := marshalJSON(r.Authorization)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码授权结果失败")
	}

	const stmt = `INSERT INTO run_states
        (id, origin, raw_input, mode, metadata, plan_json, authorization_json, prompt, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		r.ID,
		r.Origin,
		r.RawInput,
		string(r.Mode),
		metadataValue,
		planValue,
		authValue,
		r.Prompt,
		r.Status,
		r.Attempts,
		r.MaxRetries,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRunConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入运行失败")
	}
	return nil
}

const selectColumns = `id, origin, raw_input, mode, metadata, plan_json, authorization_json, prompt, status, attempts, max_retries, last_error, error_code, result_json, created_at, updated_at`

// Get 查询指定运行。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM run_states WHERE id = ?`, id)
	r, err := scanRun(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行失败")
	}
	return r, nil
}

// Claim 以乐观更新把运行置为运行中。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Run, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case StatusSucceeded, StatusCancelled:
		return r, ErrRunCompleted
	case StatusRunning:
		return r, ErrRunConflict
	}
	if r.Attempts >= r.MaxRetries {
		return r, ErrRunExhausted
	}

	const stmt = `UPDATE run_states
        SET status = ?, attempts = attempts + 1, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status = ? AND attempts = ?`
	result, err := s.db.ExecContext(ctx, stmt, StatusRunning, time.Now().Unix(), id, r.Status, r.Attempts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取运行失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取领取结果失败")
	}
	if affected == 0 {
		return r, ErrRunConflict
	}
	r.Status = StatusRunning
	r.Attempts++
	r.LastError = ""
	r.ErrorCode = ""
	return r, nil
}

// SetAuthorization 回写授权结果。
func (s *MySQLStore) SetAuthorization(ctx context.Context, id string, auth *authz.AuthorizationResponse) error {
	authValue, err := marshalJSON(auth)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码授权结果失败")
	}
	prompt := ""
	status := ""
	if auth != nil {
		prompt = auth.ConfirmationPrompt
		if auth.Decision == authz.DecisionRequiresConfirmation {
			status = string(StatusAwaitingConfirmation)
		}
	}

	var result sql.Result
	if status != "" {
		result, err = s.db.ExecContext(ctx,
			`UPDATE run_states SET authorization_json = ?, prompt = ?, status = ?, updated_at = ? WHERE id = ?`,
			authValue, prompt, status, time.Now().Unix(), id)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE run_states SET authorization_json = ?, prompt = ?, updated_at = ? WHERE id = ?`,
			authValue, prompt, time.Now().Unix(), id)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回写授权结果失败")
	}
	return ensureFound(result)
}

// MarkSucceeded 记录成功结果。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, execResult engine.ExecutionResult) error {
	resultValue, err := marshalJSON(&execResult)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行结果失败")
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE run_states SET status = ?, result_json = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`,
		StatusSucceeded, resultValue, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记运行成功失败")
	}
	return ensureFound(result)
}

// MarkFailed 标记运行失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE run_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, lastError, string(code), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记运行失败状态出错")
	}
	return ensureFound(result)
}

// MarkCancelled 标记运行已取消。
func (s *MySQLStore) MarkCancelled(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE run_states SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?)`,
		StatusCancelled, time.Now().Unix(), id, StatusSucceeded, StatusFailed)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记运行取消失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取取消结果失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrRunCompleted
	}
	return nil
}

// List 返回符合过滤条件的运行。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Run, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)

	order := "updated_at DESC, created_at DESC, id ASC"
	if opts.Order == SortByUpdatedAsc {
		order = "updated_at ASC, created_at ASC, id ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM run_states %s ORDER BY %s LIMIT ? OFFSET ?`, selectColumns, where, order)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行列表失败")
	}
	return runs, nil
}

// Stats 统计符合过滤条件的运行。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (RunStats, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)

	query := fmt.Sprintf(`SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM run_states %s GROUP BY status`, where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return RunStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计运行失败")
	}
	defer rows.Close()

	stats := RunStats{}
	for rows.Next() {
		var status string
		var count int
		var oldest, newest sql.NullInt64
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return RunStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行统计失败")
		}
		stats.Total += count
		switch Status(status) {
		case StatusPending:
			stats.Pending += count
		case StatusAwaitingConfirmation:
			stats.AwaitingConfirmation += count
		case StatusRunning:
			stats.Running += count
		case StatusSucceeded:
			stats.Succeeded += count
		case StatusFailed:
			stats.Failed += count
		case StatusCancelled:
			stats.Cancelled += count
		}
		if oldest.Valid && (stats.OldestUpdatedAt == 0 || oldest.Int64 < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest.Int64
		}
		if newest.Valid && newest.Int64 > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return RunStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行统计失败")
	}
	return stats, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func buildWhere(opts ListOptions) (string, []any) {
	var conditions []string
	var args []any

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if opts.Origin != "" {
		conditions = append(conditions, "origin = ?")
		args = append(args, opts.Origin)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "result_json IS NOT NULL AND result_json != ''")
		} else {
			conditions = append(conditions, "(result_json IS NULL OR result_json = '')")
		}
	}
	if opts.Query != "" {
		conditions = append(conditions, "(raw_input LIKE ? OR origin LIKE ?)")
		pattern := "%" + opts.Query + "%"
		args = append(args, pattern, pattern)
	}
	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var mode string
	var metadata, planJSON, authJSON, prompt, lastError, errorCode, resultJSON sql.NullString

	if err := row.Scan(
		&r.ID,
		&r.Origin,
		&r.RawInput,
		&mode,
		&metadata,
		&planJSON,
		&authJSON,
		&prompt,
		&r.Status,
		&r.Attempts,
		&r.MaxRetries,
		&lastError,
		&errorCode,
		&resultJSON,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}

	r.Mode = plan.Mode(mode)
	r.Prompt = prompt.String
	r.LastError = lastError.String
	r.ErrorCode = errorCode.String

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("解析运行 metadata 失败: %w", err)
		}
	}
	if planJSON.Valid && planJSON.String != "" {
		var p plan.ExecutionPlan
		if err := json.Unmarshal([]byte(planJSON.String), &p); err != nil {
			return nil, fmt.Errorf("解析执行计划失败: %w", err)
		}
		r.Plan = &p
	}
	if authJSON.Valid && authJSON.String != "" {
		var auth authz.AuthorizationResponse
		if err := json.Unmarshal([]byte(authJSON.String), &auth); err != nil {
			return nil, fmt.Errorf("解析授权结果失败: %w", err)
		}
		r.Authorization = &auth
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result engine.ExecutionResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("解析执行结果失败: %w", err)
		}
		r.Result = &result
	}
	return &r, nil
}

func marshalJSON(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	switch v := value.(type) {
	case *plan.ExecutionPlan:
		if v == nil {
			return "", nil
		}
	case *authz.AuthorizationResponse:
		if v == nil {
			return "", nil
		}
	case *engine.ExecutionResult:
		if v == nil {
			return "", nil
		}
	case map[string]any:
		if v == nil {
			return "", nil
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func ensureFound(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

var _ Store = (*MySQLStore)(nil)
