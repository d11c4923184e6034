package submitter

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	xerrors "Blossom-Exec/internal/errors"
	"Blossom-Exec/internal/observability/metrics"
	"Blossom-Exec/internal/web3"
	"Blossom-Exec/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Submission error codes. Failing to price a transaction is deliberately a
// different class from anything that happens after submission: before the
// send there is nothing on-chain yet, so the caller may simply retry later,
// while post-submission outcomes are terminal statuses.
const (
	// CodeFeeEstimationFailed 表示提交前的费用估算失败,交易从未上链。
	CodeFeeEstimationFailed xerrors.Code = "FEE_ESTIMATION_FAILED"
	// CodeSubmissionFailed 表示交易发送被节点拒绝。
	CodeSubmissionFailed xerrors.Code = "SUBMISSION_FAILED"
)

func init() {
	xerrors.Register(CodeFeeEstimationFailed, xerrors.Attributes{
		Message:  "交易费用估算失败",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeSubmissionFailed, xerrors.Attributes{
		Message:  "交易提交失败",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Status is the terminal state of a submitted transaction.
type Status string

const (
	// StatusConfirmed means a receipt arrived with a success status.
	StatusConfirmed Status = "CONFIRMED"
	// StatusFailed means a receipt arrived reporting a revert. Block and
	// gas figures are preserved for audit.
	StatusFailed Status = "FAILED"
	// StatusTimeout means no receipt arrived within the poll budget. The
	// transaction may still land later; TIMEOUT is ambiguous-unknown and
	// must never be read as FAILED.
	StatusTimeout Status = "TIMEOUT"
)

// Request describes one transaction to submit. When RawTransaction is set
// it is sent as a pre-signed blob; otherwise the node signs on behalf of
// From. A zero GasLimit triggers fee estimation before the send.
type Request struct {
	From           common.Address
	To             common.Address
	Data           []byte
	Value          *big.Int
	GasLimit       uint64
	RawTransaction []byte
}

// Result is the terminal outcome of one submission.
type Result struct {
	Status      Status
	TxHash      common.Hash
	BlockNumber *big.Int
	GasUsed     uint64
}

// receiptEnvelope carries the only receipt fields the confirmation loop
// cares about. A JSON-RPC null result leaves the pointer nil, which is the
// node's way of saying "not mined yet".
type receiptEnvelope struct {
	Status          hexutil.Uint64 `json:"status"`
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
}

// Submitter sends transactions through the endpoint pool and resolves each
// one to a terminal status by polling for its receipt. Every poll is one
// pool call and inherits the pool's failover and breaker behavior.
type Submitter struct {
	caller         web3.Caller
	pollInterval   time.Duration
	confirmTimeout time.Duration
	log            *slog.Logger
}

// Option configures optional submitter parameters.
type Option func(*Submitter)

// WithPollInterval overrides the receipt poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Submitter) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithConfirmTimeout overrides the overall confirmation budget.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(s *Submitter) {
		if timeout > 0 {
			s.confirmTimeout = timeout
		}
	}
}

// WithLogger overrides the default named logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Submitter) {
		if log != nil {
			s.log = log
		}
	}
}

// New builds a submitter over the given caller.
func New(caller web3.Caller, opts ...Option) *Submitter {
	s := &Submitter{
		caller:         caller,
		pollInterval:   2 * time.Second,
		confirmTimeout: 60 * time.Second,
		log:            logger.Named("submitter"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit prices the transaction if needed, sends it and waits for a
// terminal status. The returned error is non-nil only when the transaction
// never made it on-chain; once a hash exists the outcome is expressed as a
// Result status.
func (s *Submitter) Submit(ctx context.Context, req Request) (Result, error) {
	if len(req.RawTransaction) == 0 && req.GasLimit == 0 {
		gas, err := s.estimateGas(ctx, req)
		if err != nil {
			// 费用估算没有安全的猜测值,失败即放弃提交。
			return Result{}, xerrors.Wrap(CodeFeeEstimationFailed, err, "交易费用估算失败")
		}
		req.GasLimit = gas
	}
	txHash, err := s.send(ctx, req)
	if err != nil {
		return Result{}, xerrors.Wrap(CodeSubmissionFailed, err, "交易提交失败")
	}
	s.log.Info("交易已提交,开始等待确认",
		slog.String("tx_hash", txHash.Hex()),
		slog.Duration("budget", s.confirmTimeout))
	return s.Confirm(ctx, txHash)
}

// estimateGas prices the call through the pool.
func (s *Submitter) estimateGas(ctx context.Context, req Request) (uint64, error) {
	params := web3.CallParams{
		From: &req.From,
		To:   &req.To,
		Data: req.Data,
	}
	if req.Value != nil {
		params.Value = (*hexutil.Big)(req.Value)
	}
	var gas hexutil.Uint64
	if err := s.caller.CallContext(ctx, &gas, "eth_estimateGas", params); err != nil {
		return 0, err
	}
	return uint64(gas), nil
}

// send pushes the transaction to the node and returns its hash.
func (s *Submitter) send(ctx context.Context, req Request) (common.Hash, error) {
	var txHash common.Hash
	if len(req.RawTransaction) > 0 {
		err := s.caller.CallContext(ctx, &txHash, "eth_sendRawTransaction", hexutil.Bytes(req.RawTransaction))
		return txHash, err
	}
	gas := hexutil.Uint64(req.GasLimit)
	params := web3.CallParams{
		From: &req.From,
		To:   &req.To,
		Gas:  &gas,
		Data: req.Data,
	}
	if req.Value != nil {
		params.Value = (*hexutil.Big)(req.Value)
	}
	err := s.caller.CallContext(ctx, &txHash, "eth_sendTransaction", params)
	return txHash, err
}

// Confirm polls for the receipt of an already-submitted transaction until
// it resolves or the budget runs out. A transient poll failure only means
// "not yet available" and is retried on the next tick; it never turns into
// FAILED. Cancellation cannot recall the transaction either, so it is
// reported as TIMEOUT too.
func (s *Submitter) Confirm(ctx context.Context, txHash common.Hash) (Result, error) {
	start := time.Now()
	deadline := start.Add(s.confirmTimeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		env, err := s.receipt(ctx, txHash)
		if err != nil {
			s.log.Debug("回执查询暂不可用,等待下一轮",
				slog.String("tx_hash", txHash.Hex()),
				slog.Any("error", err))
		} else if env != nil {
			result := Result{
				Status:  StatusConfirmed,
				TxHash:  txHash,
				GasUsed: uint64(env.GasUsed),
			}
			if env.BlockNumber != nil {
				result.BlockNumber = env.BlockNumber.ToInt()
			}
			if env.Status == 0 {
				result.Status = StatusFailed
				s.log.Warn("交易在链上回退",
					slog.String("tx_hash", txHash.Hex()),
					slog.String("block", bigText(result.BlockNumber)),
					slog.Uint64("gas_used", result.GasUsed))
			}
			metrics.ObserveConfirmation(string(result.Status), time.Since(start))
			return result, nil
		}
		if !time.Now().Before(deadline) {
			metrics.ObserveConfirmation(string(StatusTimeout), time.Since(start))
			s.log.Warn("确认超时,交易结果未知",
				slog.String("tx_hash", txHash.Hex()),
				slog.Duration("budget", s.confirmTimeout))
			return Result{Status: StatusTimeout, TxHash: txHash}, nil
		}
		select {
		case <-ctx.Done():
			// 已提交的交易无法撤回,只能停止轮询并按超时上报。
			metrics.ObserveConfirmation(string(StatusTimeout), time.Since(start))
			s.log.Warn("确认轮询被取消,按超时上报",
				slog.String("tx_hash", txHash.Hex()),
				slog.Any("error", ctx.Err()))
			return Result{Status: StatusTimeout, TxHash: txHash}, nil
		case <-ticker.C:
		}
	}
}

// receipt fetches the transaction receipt; a nil envelope with nil error
// means the transaction is not mined yet.
func (s *Submitter) receipt(ctx context.Context, txHash common.Hash) (*receiptEnvelope, error) {
	var env *receiptEnvelope
	if err := s.caller.CallContext(ctx, &env, "eth_getTransactionReceipt", txHash); err != nil {
		return nil, err
	}
	return env, nil
}

func bigText(v *big.Int) string {
	if v == nil {
		return "pending"
	}
	return v.String()
}
