package policy

import (
	"math/big"

	"Blossom-Exec/internal/session"

	"github.com/ethereum/go-ethereum/common"
)

// Override 允许测试装配注入合成的会话快照或替换支出上限。它是显式
// 注入的策略接口而非环境变量开关:生产装配根(cmd/blossomd)从不
// 调用 WithOverride,因此不存在任何让它泄漏进生产控制流的路径。
type Override interface {
	// SessionSnapshot 返回合成快照;第二个返回值为假时回落到真实读取。
	SessionSnapshot(id common.Hash) (session.Snapshot, bool)
	// SpendCeiling 返回替换后的支出上限;第二个返回值为假时使用快照值。
	SpendCeiling(id common.Hash) (*big.Int, bool)
}

// WithOverride 注入测试替身。仅限测试装配使用。
func WithOverride(o Override) EvaluatorOption {
	return func(ev *Evaluator) { ev.override = o }
}
