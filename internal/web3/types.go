package web3

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Caller is the single door through which higher layers reach the chain.
// The rpcpool implementation adds endpoint failover and circuit breaking
// behind this signature; callers stay oblivious to which endpoint served
// them. The signature mirrors go-ethereum's rpc.Client so fakes in tests
// can be dropped in without adapters.
type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// CallParams models the transaction object accepted by eth_call,
// eth_estimateGas and eth_sendTransaction. Optional fields are omitted from
// the encoded JSON so nodes apply their own defaults.
type CallParams struct {
	From  *common.Address `json:"from,omitempty"`
	To    *common.Address `json:"to,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}
