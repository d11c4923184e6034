package executor

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	xerrors "Blossom-Exec/internal/errors"
	"Blossom-Exec/internal/ledger"
	"Blossom-Exec/internal/observability/alerting"
	"Blossom-Exec/internal/observability/metrics"
	"Blossom-Exec/internal/plan"
	"Blossom-Exec/internal/policy"
	"Blossom-Exec/internal/web3"
	"Blossom-Exec/internal/web3/submitter"
	"Blossom-Exec/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// 编排层错误码
const (
	// CodeExecutionReverted 表示交易上链后回退。
	CodeExecutionReverted xerrors.Code = "EXECUTION_REVERTED"
	// CodeConfirmationTimeout 表示确认窗口内未取得回执,结果未知。
	CodeConfirmationTimeout xerrors.Code = "CONFIRMATION_TIMEOUT"
	// CodeTargetCodeMissing 表示执行合约地址上没有部署代码。
	CodeTargetCodeMissing xerrors.Code = "EXECUTOR_CODE_MISSING"
)

func init() {
	xerrors.Register(CodeExecutionReverted, xerrors.Attributes{
		Message:  "交易在链上回退",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeConfirmationTimeout, xerrors.Attributes{
		Message:  "交易确认超时,结果未知",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeTargetCodeMissing, xerrors.Attributes{
		Message:  "执行合约未部署",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Outcome 是调用方可见的固定执行终态集合。编排层把所有路径都收敛到
// 这组形态,边界层无需捕获任意异常。
type Outcome string

const (
	// OutcomeConfirmed 表示交易确认成功。
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeFailed 表示链上回退或运行性失败,错误码区分两者。
	OutcomeFailed Outcome = "failed"
	// OutcomeTimeout 表示确认超时,语义是"未知"而非"失败"。
	OutcomeTimeout Outcome = "timeout"
	// OutcomeDenied 表示计划被校验或策略拒绝,从未触网提交。
	OutcomeDenied Outcome = "denied"
	// OutcomeAllowed 仅由试运行返回,表示策略会放行该计划。
	OutcomeAllowed Outcome = "allowed"
)

// Request 是一次计划执行请求。
type Request struct {
	// SessionID 是计划所属会话。
	SessionID common.Hash
	// Submitter 是发起提交的执行人地址。
	Submitter common.Address
	// Plan 是待执行的动作批次。
	Plan *plan.ActionPlan
	// GasLimit 非零时跳过费用估算。
	GasLimit uint64
}

// Result 是一次执行的终态。Decision 在策略参与过的路径上携带完整的
// 评估详情与支出估算。
type Result struct {
	ExecutionID   string
	Status        Outcome
	TransactionID string
	BlockNumber   *big.Int
	GasUsed       uint64
	ErrorCode     string
	ErrorMessage  string
	Decision      policy.Decision
	LatencyMS     int64
}

// Executor 把一次计划执行串成固定顺序:形态校验、目标合约检查、策略
// 评估、编码提交、确认等待,最后映射成固定结果形态并交给台账。
type Executor struct {
	target          common.Address
	verifyCode      bool
	deadlineHorizon time.Duration

	evaluator *policy.Evaluator
	submitter *submitter.Submitter
	caller    web3.Caller
	recorder  ledger.Recorder
	alerter   alerting.Dispatcher
	log       *slog.Logger
	audit     *slog.Logger

	verifyOnce sync.Once
	verifyErr  error
}

// Config 是编排器的基础参数。
type Config struct {
	// Target 是计划执行合约地址,所有交易都发往它。
	Target common.Address
	// VerifyTargetCode 为真时,首次执行前检查目标地址确有合约代码。
	VerifyTargetCode bool
	// DeadlineHorizon 限制计划截止时间距现在的最大时长,零值为一小时。
	DeadlineHorizon time.Duration
}

// Option 配置编排器的可选协作方。
type Option func(*Executor)

// WithRecorder 接入执行台账。
func WithRecorder(recorder ledger.Recorder) Option {
	return func(e *Executor) { e.recorder = recorder }
}

// WithAlertDispatcher 接入告警分发。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Executor) { e.alerter = d }
}

// WithLogger 覆盖默认日志器。
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

// New 构建编排器。evaluator 与 sub 是必需协作方,caller 用于目标合约
// 代码检查,可与提交走同一个端点池。
func New(cfg Config, evaluator *policy.Evaluator, sub *submitter.Submitter, caller web3.Caller, opts ...Option) (*Executor, error) {
	if evaluator == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "策略评估器不能为空")
	}
	if sub == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易提交器不能为空")
	}
	if cfg.Target == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行合约地址不能为空")
	}
	if cfg.DeadlineHorizon <= 0 {
		cfg.DeadlineHorizon = time.Hour
	}
	e := &Executor{
		target:          cfg.Target,
		verifyCode:      cfg.VerifyTargetCode,
		deadlineHorizon: cfg.DeadlineHorizon,
		evaluator:       evaluator,
		submitter:       sub,
		caller:          caller,
		log:             logger.Named("executor"),
		audit:           logger.Audit(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute 执行一个计划并返回终态。每次调用恰好向台账写一条记录,
// 台账写入失败只记日志,不影响返回结果。
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	result := e.run(ctx, req, false)
	result.LatencyMS = time.Since(start).Milliseconds()
	metrics.ObserveExecution(string(result.Status), time.Since(start))
	e.writeLedger(ctx, req, result)
	e.auditTrail(req, result)
	e.maybeAlert(ctx, req, result)
	return result
}

// DryRun 只回答"这个计划会被放行吗":走完校验与策略评估即停,绝不
// 触碰提交链路,也不写台账。
func (e *Executor) DryRun(ctx context.Context, req Request) Result {
	start := time.Now()
	result := e.run(ctx, req, true)
	result.LatencyMS = time.Since(start).Milliseconds()
	return result
}

func (e *Executor) run(ctx context.Context, req Request, dryRun bool) Result {
	result := Result{ExecutionID: uuid.NewString()}

	if err := req.Plan.Validate(time.Now(), e.deadlineHorizon); err != nil {
		return e.denied(result, xerrors.CodeOf(err), err.Error())
	}
	if !dryRun {
		if err := e.verifyTarget(ctx); err != nil {
			return e.failed(result, err)
		}
	}

	decision, err := e.evaluator.Evaluate(ctx, req.SessionID, req.Submitter, req.Plan)
	if err != nil {
		return e.failed(result, err)
	}
	result.Decision = decision
	if !decision.Allowed {
		return e.denied(result, decision.Code, decision.Reason)
	}
	if dryRun {
		result.Status = OutcomeAllowed
		return result
	}

	calldata, err := plan.EncodeExecutePlan(req.SessionID, req.Plan)
	if err != nil {
		return e.failed(result, err)
	}
	submission, err := e.submitter.Submit(ctx, submitter.Request{
		From:     req.Submitter,
		To:       e.target,
		Data:     calldata,
		GasLimit: req.GasLimit,
	})
	if err != nil {
		return e.failed(result, err)
	}

	result.TransactionID = submission.TxHash.Hex()
	result.BlockNumber = submission.BlockNumber
	result.GasUsed = submission.GasUsed
	switch submission.Status {
	case submitter.StatusConfirmed:
		result.Status = OutcomeConfirmed
	case submitter.StatusFailed:
		// 回退交易保留区块与耗气,供审计定位。
		result.Status = OutcomeFailed
		result.ErrorCode = string(CodeExecutionReverted)
		result.ErrorMessage = "交易在链上回退"
	default:
		result.Status = OutcomeTimeout
		result.ErrorCode = string(CodeConfirmationTimeout)
		result.ErrorMessage = "确认窗口内未取得回执,交易可能仍会上链"
	}
	return result
}

// verifyTarget 确认目标地址部署了合约代码,每个进程只查一次。
func (e *Executor) verifyTarget(ctx context.Context) error {
	if !e.verifyCode || e.caller == nil {
		return nil
	}
	e.verifyOnce.Do(func() {
		var code hexutil.Bytes
		if err := e.caller.CallContext(ctx, &code, "eth_getCode", e.target, "latest"); err != nil {
			e.verifyErr = xerrors.Wrap(CodeTargetCodeMissing, err, "读取执行合约代码失败")
			return
		}
		if len(code) == 0 {
			e.verifyErr = xerrors.New(CodeTargetCodeMissing, "执行合约地址上没有代码",
				xerrors.WithMetadata("target", e.target.Hex()))
		}
	})
	return e.verifyErr
}

func (e *Executor) denied(result Result, code xerrors.Code, reason string) Result {
	result.Status = OutcomeDenied
	result.ErrorCode = string(code)
	result.ErrorMessage = reason
	return result
}

func (e *Executor) failed(result Result, err error) Result {
	result.Status = OutcomeFailed
	result.ErrorCode = string(xerrors.CodeOf(err))
	result.ErrorMessage = err.Error()
	e.log.Error("计划执行失败",
		slog.String("execution_id", result.ExecutionID),
		slog.String("error_code", result.ErrorCode),
		slog.Any("error", err))
	return result
}

// writeLedger 每次执行写恰好一条台账记录。
func (e *Executor) writeLedger(ctx context.Context, req Request, result Result) {
	if e.recorder == nil {
		return
	}
	record := ledger.Record{
		ExecutionID:  result.ExecutionID,
		SessionID:    req.SessionID.Hex(),
		Submitter:    req.Submitter.Hex(),
		Status:       string(result.Status),
		TxHash:       result.TransactionID,
		ErrorCode:    result.ErrorCode,
		ErrorMessage: result.ErrorMessage,
		LatencyMS:    result.LatencyMS,
		Instrument:   string(result.Decision.Estimate.Instrument),
	}
	if est := result.Decision.Estimate; est.Amount != nil && est.FullyDeterminable {
		record.SpendEstimate = est.Amount.String()
	}
	if err := e.recorder.Record(context.WithoutCancel(ctx), record); err != nil {
		// 台账故障不改变执行结果,只留痕。
		e.log.Error("写入执行台账失败",
			slog.String("execution_id", result.ExecutionID),
			slog.Any("error", err))
	}
}

// auditTrail 在审计流上为每次执行留一条结构化记录。
func (e *Executor) auditTrail(req Request, result Result) {
	e.audit.Info("plan execution finished",
		slog.String("execution_id", result.ExecutionID),
		slog.String("session_id", req.SessionID.Hex()),
		slog.String("submitter", req.Submitter.Hex()),
		slog.String("status", string(result.Status)),
		slog.String("tx_hash", result.TransactionID),
		slog.String("error_code", result.ErrorCode),
		slog.Int64("latency_ms", result.LatencyMS))
}

// maybeAlert 按错误码注册的告警属性决定是否发事件;确认超时总是告警。
func (e *Executor) maybeAlert(ctx context.Context, req Request, result Result) {
	if e.alerter == nil || result.ErrorCode == "" {
		return
	}
	code := xerrors.Code(result.ErrorCode)
	if !xerrors.AttributesOf(code).Alert {
		return
	}
	event := alerting.Event{
		Code:        code,
		Message:     result.ErrorMessage,
		Severity:    xerrors.AttributesOf(code).Severity,
		ExecutionID: result.ExecutionID,
		SessionID:   req.SessionID.Hex(),
		Metadata:    map[string]string{"status": string(result.Status)},
	}
	if err := e.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		e.log.Warn("告警发送失败",
			slog.String("execution_id", result.ExecutionID),
			slog.Any("error", err))
	}
}
