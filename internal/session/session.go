package session

import (
	"context"
	"math/big"
	"time"

	xerrors "Blossom-Exec/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot 是会话状态的一次时点读数。链上合约才是权威数据源，运行时
// 绝不把快照当作缓存使用，也绝不在本地修改已花费额度。
type Snapshot struct {
	ID        common.Hash
	Owner     common.Address
	Executor  common.Address
	ExpiresAt int64
	MaxSpend  *big.Int
	Spent     *big.Int
	Active    bool
	Adapters  []common.Address
}

// Status 描述快照在给定时刻的可用状态。
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// StatusAt 返回会话在 now 时刻的状态。撤销优先于过期上报。
func (s Snapshot) StatusAt(now time.Time) Status {
	if !s.Active {
		return StatusRevoked
	}
	if s.ExpiresAt > 0 && !time.Unix(s.ExpiresAt, 0).After(now) {
		return StatusExpired
	}
	return StatusActive
}

// Remaining 返回会话剩余可支配额度，下限为零。
func (s Snapshot) Remaining() *big.Int {
	if s.MaxSpend == nil {
		return new(big.Int)
	}
	remaining := new(big.Int).Set(s.MaxSpend)
	if s.Spent != nil {
		remaining.Sub(remaining, s.Spent)
	}
	if remaining.Sign() < 0 {
		return new(big.Int)
	}
	return remaining
}

// AllowsAdapter 判断地址是否在会话的适配器白名单内。地址在解析阶段
// 已经归一化，这里按字节相等比较。
func (s Snapshot) AllowsAdapter(addr common.Address) bool {
	for _, allowed := range s.Adapters {
		if allowed == addr {
			return true
		}
	}
	return false
}

// Reader 抽象会话快照的读取来源。链上实现见 ChainReader，测试与本地
// 运行可用 StaticReader。
type Reader interface {
	Read(ctx context.Context, id common.Hash) (Snapshot, error)
}

const (
	// CodeSessionNotFound 表示注册合约中不存在该会话。
	CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"
	// CodeSessionReadFailed 表示会话快照读取在传输层失败。
	CodeSessionReadFailed xerrors.Code = "SESSION_READ_FAILED"
)

// ErrNotFound 是会话不存在时的哨兵错误。
var ErrNotFound = xerrors.New(CodeSessionNotFound, "session not found")

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionReadFailed, xerrors.Attributes{
		Message:   "failed to read session snapshot",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}
