package session

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// StaticReader 以内存固定数据提供会话快照，服务于测试与未部署注册
// 合约的本地运行。
type StaticReader struct {
	mu       sync.RWMutex
	sessions map[common.Hash]Snapshot
}

// NewStaticReader 构造一个空的固定数据读取器。
func NewStaticReader() *StaticReader {
	return &StaticReader{sessions: make(map[common.Hash]Snapshot)}
}

// Put 写入或覆盖一条会话快照。
func (r *StaticReader) Put(snapshot Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[snapshot.ID] = snapshot
}

// Delete 移除一条会话快照。
func (r *StaticReader) Delete(id common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Read 返回固定数据中的快照，缺失时返回 ErrNotFound。
func (r *StaticReader) Read(_ context.Context, id common.Hash) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snapshot, nil
}

var _ Reader = (*StaticReader)(nil)
