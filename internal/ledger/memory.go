package ledger

import (
	"context"
	"sync"
	"time"

	xerrors "Blossom-Exec/internal/errors"
)

// defaultCapacity 是内存台账默认保留的记录条数。
const defaultCapacity = 1024

// MemoryRecorder 把台账保存在进程内的环形缓冲中,超出容量时淘汰最旧
// 的记录。适用于本地运行与测试;生产部署应使用 MySQLRecorder。
type MemoryRecorder struct {
	mu       sync.RWMutex
	records  []Record
	capacity int
}

// NewMemoryRecorder 创建内存台账,capacity 非正时使用默认容量。
func NewMemoryRecorder(capacity int) *MemoryRecorder {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryRecorder{
		records:  make([]Record, 0, capacity),
		capacity: capacity,
	}
}

// Record 追加一条记录,必要时淘汰最旧的一条。
func (r *MemoryRecorder) Record(_ context.Context, record Record) error {
	if record.ExecutionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "台账记录缺少执行标识")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == r.capacity {
		copy(r.records, r.records[1:])
		r.records = r.records[:r.capacity-1]
	}
	r.records = append(r.records, record)
	return nil
}

// Recent 返回最近 limit 条记录,从新到旧。
func (r *MemoryRecorder) Recent(_ context.Context, limit int) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	out := make([]Record, 0, limit)
	for i := len(r.records) - 1; i >= len(r.records)-limit; i-- {
		out = append(out, r.records[i])
	}
	return out, nil
}

// Close 实现 Recorder 接口,内存实现无需释放资源。
func (r *MemoryRecorder) Close() error { return nil }

var _ Recorder = (*MemoryRecorder)(nil)
