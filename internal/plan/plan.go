package plan

import (
	"fmt"
	"time"

	xerrors "Blossom-Exec/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Kind 标识一个动作的业务类别，决定其支出如何被估算。
type Kind string

const (
	// KindPull 表示从用户账户拉取资产进入会话托管。
	KindPull Kind = "pull"
	// KindSwap 表示通过交易适配器执行一次兑换。
	KindSwap Kind = "swap"
	// KindDeposit 表示向收益适配器存入资产。
	KindDeposit Kind = "deposit"
	// KindProof 表示提交证明类负载，不直接移动用户资产。
	KindProof Kind = "proof"
)

// Instrument 标识动作对应的交易品种，仅用于观测，不参与策略判定。
type Instrument string

const (
	InstrumentSpot  Instrument = "spot"
	InstrumentYield Instrument = "yield"
	InstrumentPerp  Instrument = "perp"
)

// InstrumentOf 返回动作类别映射到的交易品种；无对应品种时返回空值。
func InstrumentOf(kind Kind) Instrument {
	switch kind {
	case KindSwap:
		return InstrumentSpot
	case KindDeposit:
		return InstrumentYield
	case KindProof:
		return InstrumentPerp
	default:
		return ""
	}
}

// Action 是计划中的一条合约调用指令。上游构建后不可变，运行时只读。
type Action struct {
	Kind    Kind           `json:"kind"`
	Adapter common.Address `json:"adapter"`
	Payload []byte         `json:"payload"`
}

// ActionPlan 是一批将在单笔交易内原子执行的动作。
type ActionPlan struct {
	Signer   common.Address `json:"signer"`
	Nonce    uint64         `json:"nonce"`
	Deadline int64          `json:"deadline"`
	Actions  []Action       `json:"actions"`
}

// CodePlanInvalid 表示计划形态不合法，无法进入策略评估。
const CodePlanInvalid xerrors.Code = "PLAN_INVALID"

func init() {
	xerrors.Register(CodePlanInvalid, xerrors.Attributes{
		Message:   "action plan failed shape validation",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Validate 检查计划形态：动作非空、签名者已设置、截止时间严格位于
// (now, now+horizon] 区间内、每个动作都带有类别/适配器/负载。
func (p *ActionPlan) Validate(now time.Time, horizon time.Duration) error {
	if p == nil {
		return xerrors.New(CodePlanInvalid, "计划为空")
	}
	if len(p.Actions) == 0 {
		return xerrors.New(CodePlanInvalid, "计划不包含任何动作")
	}
	if p.Signer == (common.Address{}) {
		return xerrors.New(CodePlanInvalid, "计划缺少签名者")
	}
	deadline := time.Unix(p.Deadline, 0)
	if !deadline.After(now) {
		return xerrors.New(CodePlanInvalid, "计划截止时间必须严格晚于当前时间",
			xerrors.WithMetadata("deadline", deadline.UTC().Format(time.RFC3339)),
			xerrors.WithMetadata("now", now.UTC().Format(time.RFC3339)),
		)
	}
	if horizon > 0 && deadline.After(now.Add(horizon)) {
		return xerrors.New(CodePlanInvalid, "计划截止时间超出允许的最大时间窗",
			xerrors.WithMetadata("deadline", deadline.UTC().Format(time.RFC3339)),
			xerrors.WithMetadata("horizon", horizon.String()),
		)
	}
	for i, action := range p.Actions {
		if action.Kind == "" {
			return xerrors.New(CodePlanInvalid, fmt.Sprintf("动作 %d 缺少类别", i))
		}
		if action.Adapter == (common.Address{}) {
			return xerrors.New(CodePlanInvalid, fmt.Sprintf("动作 %d 缺少适配器地址", i))
		}
		if len(action.Payload) == 0 {
			return xerrors.New(CodePlanInvalid, fmt.Sprintf("动作 %d 缺少调用负载", i))
		}
	}
	return nil
}

// Adapters 返回计划引用的适配器地址，保持动作顺序、不去重。
func (p *ActionPlan) Adapters() []common.Address {
	if p == nil || len(p.Actions) == 0 {
		return nil
	}
	out := make([]common.Address, 0, len(p.Actions))
	for _, action := range p.Actions {
		out = append(out, action.Adapter)
	}
	return out
}
