package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	xerrors "Blossom-Exec/internal/errors"
	"Blossom-Exec/internal/observability/metrics"
	"Blossom-Exec/internal/plan"
	"Blossom-Exec/internal/session"
	"Blossom-Exec/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// 策略评估的出码。拒绝是正常返回值而非错误:评估器的任何 DENY 路径
// 都不会抛出,调用方拿到的永远是稳定的机器码加人类可读说明。
const (
	// CodeSessionNotActive 表示注册合约中找不到该会话。
	CodeSessionNotActive xerrors.Code = "SESSION_NOT_ACTIVE"
	// CodeSessionExpiredOrRevoked 表示会话存在但已过期或被撤销。
	CodeSessionExpiredOrRevoked xerrors.Code = "SESSION_EXPIRED_OR_REVOKED"
	// CodeExecutorMismatch 表示提交者不是会话绑定的执行人。
	CodeExecutorMismatch xerrors.Code = "EXECUTOR_MISMATCH"
	// CodeAdapterNotAllowed 表示计划引用了白名单之外的适配器。
	CodeAdapterNotAllowed xerrors.Code = "ADAPTER_NOT_ALLOWED"
	// CodeUndeterminedSpend 表示存在无法解码支出的动作,失败关闭。
	CodeUndeterminedSpend xerrors.Code = "POLICY_UNDETERMINED_SPEND"
	// CodePolicyExceeded 表示估算支出超过会话剩余额度。
	CodePolicyExceeded xerrors.Code = "POLICY_EXCEEDED"
	// CodePolicyAllowed 表示计划通过了全部策略检查。
	CodePolicyAllowed xerrors.Code = "POLICY_ALLOWED"
)

func init() {
	xerrors.Register(CodeSessionNotActive, xerrors.Attributes{
		Message:  "会话不存在或未激活",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSessionExpiredOrRevoked, xerrors.Attributes{
		Message:  "会话已过期或被撤销",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutorMismatch, xerrors.Attributes{
		Message:  "提交者与会话执行人不符",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAdapterNotAllowed, xerrors.Attributes{
		Message:  "适配器不在会话白名单内",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeUndeterminedSpend, xerrors.Attributes{
		Message:  "计划支出不可判定,按失败关闭拒绝",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodePolicyExceeded, xerrors.Attributes{
		Message:  "计划支出超出会话剩余额度",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePolicyAllowed, xerrors.Attributes{
		Message:  "策略检查通过",
		Severity: xerrors.SeverityInfo,
	})
}

// Decision 是一次策略评估的完整结论。Details 携带机器可读的上下文,
// 随结果进入台账与告警,键值均为字符串以便直接序列化。
type Decision struct {
	Allowed  bool
	Code     xerrors.Code
	Reason   string
	Details  map[string]string
	Estimate SpendEstimate
}

// Evaluator 按固定顺序执行策略检查:会话状态、执行人、适配器白名单、
// 支出可判定性、剩余额度。顺序是契约的一部分,靠前的检查短路靠后的。
type Evaluator struct {
	reader    session.Reader
	estimator *Estimator
	override  Override
	log       *slog.Logger
}

// EvaluatorOption 调整评估器的可选装配。
type EvaluatorOption func(*Evaluator)

// WithEvaluatorLogger 覆盖默认日志器。
func WithEvaluatorLogger(log *slog.Logger) EvaluatorOption {
	return func(ev *Evaluator) {
		if log != nil {
			ev.log = log
		}
	}
}

// NewEvaluator 构建策略评估器。reader 提供会话快照的权威读数,
// estimator 为空时使用默认估算器。
func NewEvaluator(reader session.Reader, estimator *Estimator, opts ...EvaluatorOption) *Evaluator {
	if estimator == nil {
		estimator = NewEstimator()
	}
	ev := &Evaluator{
		reader:    reader,
		estimator: estimator,
		log:       logger.Named("policy"),
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// Evaluate 对 (会话, 提交者, 计划) 给出放行或拒绝。返回的 error 仅在
// 会话读取等运维性故障时非空;策略拒绝永远以 Decision 值表达。
// 这里的检查是乐观防线:会话额度只读不写,两个并发计划可以同时通过
// 同一剩余额度的检查,最终由链上合约裁决其一失败,这是接受的竞态。
func (ev *Evaluator) Evaluate(ctx context.Context, sessionID common.Hash, submitter common.Address, p *plan.ActionPlan) (Decision, error) {
	now := time.Now()
	snap, found, err := ev.resolveSession(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return ev.deny(CodeSessionNotActive, "会话不存在或未激活", map[string]string{
			"session_id": sessionID.Hex(),
		}, SpendEstimate{}), nil
	}
	if status := snap.StatusAt(now); status != session.StatusActive {
		return ev.deny(CodeSessionExpiredOrRevoked, fmt.Sprintf("会话状态为 %s", status), map[string]string{
			"session_id": sessionID.Hex(),
			"status":     string(status),
			"expires_at": time.Unix(snap.ExpiresAt, 0).UTC().Format(time.RFC3339),
			"now":        now.UTC().Format(time.RFC3339),
		}, SpendEstimate{}), nil
	}
	if snap.Executor != submitter {
		return ev.deny(CodeExecutorMismatch, "提交者不是会话绑定的执行人", map[string]string{
			"session_id": sessionID.Hex(),
			"submitter":  submitter.Hex(),
			"executor":   snap.Executor.Hex(),
		}, SpendEstimate{}), nil
	}
	// 适配器按 20 字节地址值比较,十六进制大小写在解析时已归一化。
	for i, action := range p.Actions {
		if !snap.AllowsAdapter(action.Adapter) {
			return ev.deny(CodeAdapterNotAllowed, fmt.Sprintf("动作 %d 的适配器不在白名单内", i), map[string]string{
				"session_id":   sessionID.Hex(),
				"action_index": strconv.Itoa(i),
				"adapter":      action.Adapter.Hex(),
				"allowlist":    joinAddresses(snap.Adapters),
			}, SpendEstimate{}), nil
		}
	}
	est := ev.estimator.Estimate(p)
	if !est.FullyDeterminable {
		return ev.deny(CodeUndeterminedSpend, "计划包含支出不可判定的动作", map[string]string{
			"session_id":   sessionID.Hex(),
			"action_index": strconv.Itoa(est.FirstUndecodable),
			"known_amount": est.Amount.String(),
		}, est), nil
	}
	maxSpend := snap.MaxSpend
	remaining := snap.Remaining()
	if ev.override != nil {
		if ceiling, ok := ev.override.SpendCeiling(sessionID); ok {
			maxSpend = ceiling
			remaining = remainingUnder(ceiling, snap.Spent)
		}
	}
	// 额度恰好用满仍然放行:E == R 属于边界允许。
	if est.Amount.Cmp(remaining) > 0 {
		return ev.deny(CodePolicyExceeded, "计划支出超出会话剩余额度", map[string]string{
			"session_id": sessionID.Hex(),
			"attempted":  est.Amount.String(),
			"limit":      bigString(maxSpend),
			"remaining":  remaining.String(),
		}, est), nil
	}
	return Decision{
		Allowed:  true,
		Code:     CodePolicyAllowed,
		Reason:   "策略检查通过",
		Estimate: est,
	}, nil
}

// resolveSession 读取会话快照。found 为假表示会话不存在;error 只代表
// 传输层故障,调用方应将其归类为执行失败而非策略拒绝。
func (ev *Evaluator) resolveSession(ctx context.Context, sessionID common.Hash) (session.Snapshot, bool, error) {
	if ev.override != nil {
		if snap, ok := ev.override.SessionSnapshot(sessionID); ok {
			return snap, true, nil
		}
	}
	snap, err := ev.reader.Read(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return session.Snapshot{}, false, nil
	}
	if err != nil {
		return session.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (ev *Evaluator) deny(code xerrors.Code, reason string, details map[string]string, est SpendEstimate) Decision {
	metrics.ObservePolicyDenial(string(code))
	ev.log.Info("策略拒绝",
		slog.String("code", string(code)),
		slog.String("reason", reason),
		slog.Any("details", details))
	return Decision{
		Allowed:  false,
		Code:     code,
		Reason:   reason,
		Details:  details,
		Estimate: est,
	}
}

func joinAddresses(addrs []common.Address) string {
	hexes := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		hexes = append(hexes, addr.Hex())
	}
	return strings.Join(hexes, ",")
}

func remainingUnder(ceiling, spent *big.Int) *big.Int {
	if ceiling == nil {
		return new(big.Int)
	}
	remaining := new(big.Int).Set(ceiling)
	if spent != nil {
		remaining.Sub(remaining, spent)
	}
	if remaining.Sign() < 0 {
		return new(big.Int)
	}
	return remaining
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
