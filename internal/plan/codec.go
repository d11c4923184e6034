package plan

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	xerrors "Blossom-Exec/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// 动作负载只允许两种编码约定：固定形态的直接调用，以及把真实负载
// 包裹在显式支出上限之后的 cappedCall。除此之外一律视为不可判定。
const conventionsABIJSON = `[
  {"type":"function","name":"pull","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"vault","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"swap","stateMutability":"nonpayable","inputs":[{"name":"assetIn","type":"address"},{"name":"assetOut","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"minAmountOut","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"submitProof","stateMutability":"nonpayable","inputs":[{"name":"marketId","type":"bytes32"},{"name":"proof","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"cappedCall","stateMutability":"nonpayable","inputs":[{"name":"spendCap","type":"uint256"},{"name":"inner","type":"bytes"}],"outputs":[]}
]`

// executePlan 是会话执行合约的唯一入口，整个计划打包成一笔交易。
const executorABIJSON = `[
  {"type":"function","name":"executePlan","stateMutability":"nonpayable","inputs":[
    {"name":"sessionId","type":"bytes32"},
    {"name":"nonce","type":"uint64"},
    {"name":"deadline","type":"uint64"},
    {"name":"actions","type":"tuple[]","components":[
      {"name":"kind","type":"uint8"},
      {"name":"adapter","type":"address"},
      {"name":"payload","type":"bytes"}
    ]}
  ],"outputs":[]}
]`

var (
	conventionsABI = mustParseABI(conventionsABIJSON)
	executorABI    = mustParseABI(executorABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("解析内置 ABI 失败: %v", err))
	}
	return parsed
}

// directMethod 返回动作类别对应的直接编码方法名及金额参数下标。
func directMethod(kind Kind) (string, int, bool) {
	switch kind {
	case KindPull:
		return "pull", 1, true
	case KindDeposit:
		return "deposit", 1, true
	case KindSwap:
		return "swap", 2, true
	default:
		return "", 0, false
	}
}

// kindIndex 是 executePlan 编码里的动作类别枚举值。
var kindIndex = map[Kind]uint8{
	KindPull:    0,
	KindSwap:    1,
	KindDeposit: 2,
	KindProof:   3,
}

// DecodeKind 标记一次负载解码的结果类别。
type DecodeKind uint8

const (
	// DecodeUnknown 表示两种编码约定都不匹配，金额不可判定。
	DecodeUnknown DecodeKind = iota
	// DecodeExact 表示直接编码解出了确切金额。
	DecodeExact
	// DecodeCapped 表示负载被 cappedCall 包裹，金额取其显式上限。
	DecodeCapped
)

// DecodedSpend 是负载解码的带标签结果。任何歧义都收敛到 DecodeUnknown，
// 绝不猜测：猜测等价于默许无上限支出。
type DecodedSpend struct {
	Kind   DecodeKind
	Amount *big.Int
}

// DecodeSpend 按动作类别尝试两级解码：先按固定形态的直接编码解出金额，
// 失败后再按 cappedCall 约定取其支出上限，两者都失败返回 DecodeUnknown。
func DecodeSpend(kind Kind, payload []byte) DecodedSpend {
	method, amountIdx, ok := directMethod(kind)
	if !ok {
		return DecodedSpend{Kind: DecodeUnknown}
	}
	if amount, ok := decodeDirect(method, amountIdx, payload); ok {
		return DecodedSpend{Kind: DecodeExact, Amount: amount}
	}
	if cap, _, ok := decodeCapped(payload); ok {
		return DecodedSpend{Kind: DecodeCapped, Amount: cap}
	}
	return DecodedSpend{Kind: DecodeUnknown}
}

// decodeDirect 解析固定形态负载。直接编码只含静态参数，负载长度必须
// 恰好等于选择器加参数字数，多一个或少一个字节都按不匹配处理。
func decodeDirect(methodName string, amountIdx int, payload []byte) (*big.Int, bool) {
	method, ok := conventionsABI.Methods[methodName]
	if !ok || len(payload) < 4 {
		return nil, false
	}
	if !bytes.Equal(payload[:4], method.ID) {
		return nil, false
	}
	if len(payload) != 4+32*len(method.Inputs) {
		return nil, false
	}
	args, err := method.Inputs.Unpack(payload[4:])
	if err != nil || amountIdx >= len(args) {
		return nil, false
	}
	amount, ok := args[amountIdx].(*big.Int)
	if !ok || amount.Sign() < 0 {
		return nil, false
	}
	return amount, true
}

// decodeCapped 解析 cappedCall 包裹负载，返回支出上限与内部负载。
func decodeCapped(payload []byte) (*big.Int, []byte, bool) {
	method := conventionsABI.Methods["cappedCall"]
	if len(payload) < 4 || !bytes.Equal(payload[:4], method.ID) {
		return nil, nil, false
	}
	args, err := method.Inputs.Unpack(payload[4:])
	if err != nil || len(args) != 2 {
		return nil, nil, false
	}
	cap, ok := args[0].(*big.Int)
	if !ok || cap.Sign() < 0 {
		return nil, nil, false
	}
	inner, ok := args[1].([]byte)
	if !ok {
		return nil, nil, false
	}
	return cap, inner, true
}

// EncodePull 生成拉取资产的直接编码负载。
func EncodePull(asset common.Address, amount *big.Int) ([]byte, error) {
	return conventionsABI.Pack("pull", asset, amount)
}

// EncodeDeposit 生成收益存入的直接编码负载。
func EncodeDeposit(vault common.Address, amount *big.Int) ([]byte, error) {
	return conventionsABI.Pack("deposit", vault, amount)
}

// EncodeSwap 生成兑换动作的直接编码负载。
func EncodeSwap(assetIn, assetOut common.Address, amountIn, minAmountOut *big.Int) ([]byte, error) {
	return conventionsABI.Pack("swap", assetIn, assetOut, amountIn, minAmountOut)
}

// EncodeProof 生成证明提交负载。
func EncodeProof(marketID [32]byte, proof []byte) ([]byte, error) {
	return conventionsABI.Pack("submitProof", marketID, proof)
}

// EncodeCapped 把任意内部负载包裹在显式支出上限之后。
func EncodeCapped(spendCap *big.Int, inner []byte) ([]byte, error) {
	if spendCap == nil || spendCap.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "支出上限必须为非负数")
	}
	return conventionsABI.Pack("cappedCall", spendCap, inner)
}

// EncodeExecutePlan 把整个计划打包成会话执行合约的 executePlan 调用数据。
func EncodeExecutePlan(sessionID common.Hash, p *ActionPlan) ([]byte, error) {
	if p == nil {
		return nil, xerrors.New(CodePlanInvalid, "计划为空")
	}
	type encodedAction struct {
		Kind    uint8
		Adapter common.Address
		Payload []byte
	}
	actions := make([]encodedAction, 0, len(p.Actions))
	for i, action := range p.Actions {
		idx, ok := kindIndex[action.Kind]
		if !ok {
			return nil, xerrors.New(CodePlanInvalid, fmt.Sprintf("动作 %d 的类别 %q 无法编码", i, action.Kind))
		}
		actions = append(actions, encodedAction{
			Kind:    idx,
			Adapter: action.Adapter,
			Payload: action.Payload,
		})
	}
	if p.Deadline < 0 {
		return nil, xerrors.New(CodePlanInvalid, "计划截止时间不能为负")
	}
	data, err := executorABI.Pack("executePlan", [32]byte(sessionID), p.Nonce, uint64(p.Deadline), actions)
	if err != nil {
		return nil, xerrors.Wrap(CodePlanInvalid, err, "编码 executePlan 调用失败")
	}
	return data, nil
}
