package session

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	xerrors "Blossom-Exec/internal/errors"
	"Blossom-Exec/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// 会话注册合约的只读入口。owner 为零地址约定为"会话不存在"。
const registryABIJSON = `[
  {"type":"function","name":"getSession","stateMutability":"view","inputs":[{"name":"sessionId","type":"bytes32"}],"outputs":[
    {"name":"owner","type":"address"},
    {"name":"executor","type":"address"},
    {"name":"expiresAt","type":"uint64"},
    {"name":"maxSpend","type":"uint256"},
    {"name":"spent","type":"uint256"},
    {"name":"active","type":"bool"},
    {"name":"adapters","type":"address[]"}
  ]}
]`

var registryABI = mustParseRegistryABI()

func mustParseRegistryABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		panic(fmt.Sprintf("解析注册合约 ABI 失败: %v", err))
	}
	return parsed
}

// ChainReader 每次调用都通过端点池向注册合约发起一次 eth_call，
// 拿到的是时点快照，绝不缓存。
type ChainReader struct {
	caller   web3.Caller
	registry common.Address
}

// NewChainReader 构造链上会话读取器。
func NewChainReader(caller web3.Caller, registry common.Address) *ChainReader {
	return &ChainReader{caller: caller, registry: registry}
}

// Read 读取指定会话的时点快照。
func (r *ChainReader) Read(ctx context.Context, id common.Hash) (Snapshot, error) {
	if r == nil || r.caller == nil {
		return Snapshot{}, xerrors.New(xerrors.CodeInitializationFailure, "会话读取器未初始化")
	}

	data, err := registryABI.Pack("getSession", [32]byte(id))
	if err != nil {
		return Snapshot{}, xerrors.Wrap(CodeSessionReadFailed, err, "编码 getSession 调用失败")
	}

	var raw hexutil.Bytes
	params := web3.CallParams{To: &r.registry, Data: data}
	if err := r.caller.CallContext(ctx, &raw, "eth_call", params, "latest"); err != nil {
		return Snapshot{}, xerrors.Wrap(CodeSessionReadFailed, err, "读取会话快照失败")
	}
	if len(raw) == 0 {
		return Snapshot{}, xerrors.New(CodeSessionReadFailed, "注册合约未返回数据",
			xerrors.WithMetadata("registry", strings.ToLower(r.registry.Hex())),
		)
	}

	outs, err := registryABI.Unpack("getSession", raw)
	if err != nil || len(outs) != 7 {
		return Snapshot{}, xerrors.Wrap(CodeSessionReadFailed, err, "解析会话快照失败")
	}

	snapshot, err := snapshotFromOutputs(id, outs)
	if err != nil {
		return Snapshot{}, err
	}
	if snapshot.Owner == (common.Address{}) {
		return Snapshot{}, ErrNotFound
	}
	return snapshot, nil
}

func snapshotFromOutputs(id common.Hash, outs []any) (Snapshot, error) {
	owner, ok := outs[0].(common.Address)
	if !ok {
		return Snapshot{}, xerrors.New(CodeSessionReadFailed, "会话 owner 字段类型异常")
	}
	executor, ok := outs[1].(common.Address)
	if !ok {
		return Snapshot{}, xerrors.New(CodeSessionReadFailed, "会话 executor 字段类型异常")
	}
	expiresAt, ok := outs[2].(uint64)
	if !ok {
		return Snapshot{}, xerrors.New(CodeSessionReadFailed, "会话 expiresAt 字段类型异常")
	}
	maxSpend, ok := outs[3].(*big.Int)
	if !ok {
		return Snapshot{}, xerrors.New(CodeSessionReadFailed, "会话 maxSpend 字段类型异常")
	}
	spent, ok := outs[4].(*big.Int)
	if !ok {
		return Snapshot{}, xerrors.New(CodeSessionReadFailed, "会话 spent 字段类型异常")
	}
	active, ok := outs[5].(bool)
	if !ok {
		return Snapshot{}, xerrors.New(CodeSessionReadFailed, "会话 active 字段类型异常")
	}
	adapters, ok := outs[6].([]common.Address)
	if !ok {
		return Snapshot{}, xerrors.New(CodeSessionReadFailed, "会话 adapters 字段类型异常")
	}

	return Snapshot{
		ID:        id,
		Owner:     owner,
		Executor:  executor,
		ExpiresAt: int64(expiresAt),
		MaxSpend:  maxSpend,
		Spent:     spent,
		Active:    active,
		Adapters:  adapters,
	}, nil
}

var _ Reader = (*ChainReader)(nil)
