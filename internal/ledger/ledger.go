package ledger

import (
	"context"
)

// Record 是一次计划执行的终态台账条目。字段按落库口径取字符串,
// 避免把 big.Int 之类的运行时类型泄漏进存储层。
type Record struct {
	// ExecutionID 是运行时为本次执行分配的唯一标识。
	ExecutionID string `json:"execution_id"`
	// SessionID 是计划所属会话的十六进制标识。
	SessionID string `json:"session_id"`
	// Submitter 是提交者地址。
	Submitter string `json:"submitter"`
	// Status 是执行终态:confirmed、failed、timeout、denied、dry_run 等。
	Status string `json:"status"`
	// TxHash 是链上交易哈希,未上链时为空。
	TxHash string `json:"tx_hash,omitempty"`
	// ErrorCode 与 ErrorMessage 在非成功终态时描述原因。
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	// SpendEstimate 是策略估算的支出(十进制字符串),不可判定时为空。
	SpendEstimate string `json:"spend_estimate,omitempty"`
	// Instrument 是估算器推导的交易品种,仅观测用途。
	Instrument string `json:"instrument,omitempty"`
	// LatencyMS 是从接单到终态的耗时。
	LatencyMS int64 `json:"latency_ms"`
	// CreatedAt 是台账落账时刻的 Unix 秒。
	CreatedAt int64 `json:"created_at"`
}

// Recorder 抽象台账的写入与回看。实现必须可被并发调用。
type Recorder interface {
	// Record 追加一条终态记录。
	Record(ctx context.Context, record Record) error
	// Recent 返回最近的 limit 条记录,按落账时间从新到旧排列。
	Recent(ctx context.Context, limit int) ([]Record, error)
	// Close 释放底层资源。
	Close() error
}
