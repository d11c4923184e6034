package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "Blossom-Exec/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLRecorder 把台账写入 MySQL,用于生产部署的持久化与对账。
type MySQLRecorder struct {
	db *sql.DB
}

// NewMySQLRecorder 建立连接并确保表结构就绪。
func NewMySQLRecorder(dsn string) (*MySQLRecorder, error) {
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
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	recorder := &MySQLRecorder{db: db}
	if err := recorder.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return recorder, nil
}

func (r *MySQLRecorder) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS execution_ledger (
        execution_id VARCHAR(64) PRIMARY KEY,
        session_id VARCHAR(66) NOT NULL,
        submitter VARCHAR(42) NOT NULL DEFAULT '',
        status VARCHAR(32) NOT NULL,
        tx_hash VARCHAR(66) DEFAULT '',
        error_code VARCHAR(64) DEFAULT '',
        error_message TEXT,
        spend_estimate VARCHAR(96) DEFAULT '',
        latency_ms BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        INDEX idx_ledger_session (session_id),
        INDEX idx_ledger_status (status),
        INDEX idx_ledger_created (created_at)
)`

	if _, err := r.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 execution_ledger 表失败")
	}
	if _, err := r.db.Exec(`ALTER TABLE execution_ledger ADD COLUMN instrument VARCHAR(16) DEFAULT '' AFTER spend_estimate`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 execution_ledger.instrument 失败")
		}
	}
	return nil
}

// Record 插入一条终态记录。
func (r *MySQLRecorder) Record(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.ExecutionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "台账记录缺少执行标识")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO execution_ledger
        (execution_id, session_id, submitter, status, tx_hash, error_code, error_message, spend_estimate, instrument, latency_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, stmt,
		record.ExecutionID,
		record.SessionID,
		record.Submitter,
		record.Status,
		record.TxHash,
		record.ErrorCode,
		record.ErrorMessage,
		record.SpendEstimate,
		record.Instrument,
		record.LatencyMS,
		record.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行台账失败")
	}
	return nil
}

// Recent 按落账时间倒序返回最近 limit 条记录。
func (r *MySQLRecorder) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	const stmt = `SELECT execution_id, session_id, submitter, status, tx_hash,
        error_code, error_message, spend_estimate, instrument, latency_ms, created_at
        FROM execution_ledger ORDER BY created_at DESC, execution_id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行台账失败")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var record Record
		var errorMessage sql.NullString
		if err := rows.Scan(
			&record.ExecutionID,
			&record.SessionID,
			&record.Submitter,
			&record.Status,
			&record.TxHash,
			&record.ErrorCode,
			&errorMessage,
			&record.SpendEstimate,
			&record.Instrument,
			&record.LatencyMS,
			&record.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取执行台账行失败")
		}
		record.ErrorMessage = errorMessage.String
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行台账失败")
	}
	return out, nil
}

// Close 关闭数据库连接。
func (r *MySQLRecorder) Close() error {
	return r.db.Close()
}

var _ Recorder = (*MySQLRecorder)(nil)
