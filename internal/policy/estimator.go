package policy

import (
	"math/big"

	"Blossom-Exec/internal/plan"
)

// defaultProofCost 是证明类动作的名义成本。证明负载不直接移动用户资产,
// 但仍要占用会话额度作为纵深防御;名义值刻意偏小,不代表真实经济敞口。
const defaultProofCost = 1_000_000

// SpendEstimate 是一次计划支出估算的结果。Amount 只有在
// FullyDeterminable 为真时才能用于策略判定;为假时它只是已解出部分的
// 下界,仅供观测。
type SpendEstimate struct {
	// Amount 为各动作解码金额之和,单位与会话额度一致。
	Amount *big.Int
	// FullyDeterminable 表示每个动作的支出都被成功解码。任何一个动作
	// 两种编码约定都解不开,该值即为假。
	FullyDeterminable bool
	// FirstUndecodable 是第一个无法解码的动作下标,全部可解时为 -1。
	FirstUndecodable int
	// Instrument 取自第一个映射到已知交易品种的动作,仅用于观测。
	Instrument plan.Instrument
}

// Estimator 从计划推导支出估算。无副作用,可被并发使用。
type Estimator struct {
	proofCost *big.Int
}

// EstimatorOption 调整估算器的可选参数。
type EstimatorOption func(*Estimator)

// WithProofCost 覆盖证明类动作的名义成本。
func WithProofCost(cost *big.Int) EstimatorOption {
	return func(e *Estimator) {
		if cost != nil && cost.Sign() >= 0 {
			e.proofCost = new(big.Int).Set(cost)
		}
	}
}

// NewEstimator 构建支出估算器。
func NewEstimator(opts ...EstimatorOption) *Estimator {
	e := &Estimator{proofCost: big.NewInt(defaultProofCost)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate 逐动作累加支出。资产拉取、存入与兑换按两级约定解码:直接
// 编码给出确切金额,cappedCall 包裹给出显式上限;两者都解不开时不做
// 任何猜测,直接把估算标记为不可判定:猜测等价于默许无上限支出。
func (e *Estimator) Estimate(p *plan.ActionPlan) SpendEstimate {
	est := SpendEstimate{
		Amount:            new(big.Int),
		FullyDeterminable: true,
		FirstUndecodable:  -1,
	}
	if p == nil {
		est.FullyDeterminable = false
		return est
	}
	for i, action := range p.Actions {
		if est.Instrument == "" {
			if mapped := plan.InstrumentOf(action.Kind); mapped != "" {
				est.Instrument = mapped
			}
		}
		if action.Kind == plan.KindProof {
			est.Amount.Add(est.Amount, e.proofCost)
			continue
		}
		decoded := plan.DecodeSpend(action.Kind, action.Payload)
		switch decoded.Kind {
		case plan.DecodeExact, plan.DecodeCapped:
			est.Amount.Add(est.Amount, decoded.Amount)
		default:
			if est.FullyDeterminable {
				est.FirstUndecodable = i
			}
			est.FullyDeterminable = false
		}
	}
	return est
}
