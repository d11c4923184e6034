package intake

import (
	"context"
	"log/slog"
	"sync"

	xerrors "Blossom-Exec/internal/errors"
	"Blossom-Exec/internal/executor"
	"Blossom-Exec/internal/observability/alerting"
	"Blossom-Exec/internal/observability/metrics"
	"Blossom-Exec/pkg/logger"

	"github.com/google/uuid"
)

// Executor 定义了处理器所需的编排层能力。
type Executor interface {
	Execute(ctx context.Context, req executor.Request) executor.Result
	DryRun(ctx context.Context, req executor.Request) executor.Result
}

// Processor 从队列消费执行信封并交给编排层。所有业务终态都被编排层
// 吸收成结果值,处理器只在停机时向队列返回错误以触发重投。
type Processor struct {
	engine      Executor
	consumer    Consumer
	workerCount int
	dryRun      bool
	log         *slog.Logger
	alerter     alerting.Dispatcher

	mu       sync.Mutex
	inflight map[string]struct{}
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if log != nil {
			p.log = log
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithDryRunMode 让整个处理器只做试运行,任何信封都不会触发提交。
func WithDryRunMode(dryRun bool) ProcessorOption {
	return func(p *Processor) { p.dryRun = dryRun }
}

// WithProcessorAlerts 配置告警派发器。
func WithProcessorAlerts(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// NewProcessor 构造处理器。
func NewProcessor(engine Executor, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		engine:      engine,
		consumer:    consumer,
		workerCount: 1,
		log:         logger.Named("intake"),
		inflight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环,阻塞直到上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.engine == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未配置消费者或编排层")
	}
	p.log.Info("信封处理器启动",
		slog.Int("workers", p.workerCount),
		slog.Bool("dry_run", p.dryRun))
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, payload []byte) error {
	if ctx.Err() != nil {
		// 停机路径:把消息让给下一位消费者。
		return ctx.Err()
	}
	env, err := DecodeEnvelope(payload)
	if err != nil {
		// 畸形信封是上游缺陷,重投只会毒化队列,丢弃并告警。
		metrics.ObserveIntake("malformed")
		p.log.Error("丢弃畸形信封", slog.Any("error", err))
		p.emitAlert(ctx, alerting.Event{
			Code:     CodeEnvelopeMalformed,
			Message:  err.Error(),
			Severity: xerrors.SeverityWarning,
		})
		return nil
	}
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}

	key := env.DedupKey()
	if !p.claim(key) {
		metrics.ObserveIntake("duplicate")
		p.log.Warn("同一会话的同一 nonce 仍在执行,跳过重复信封",
			slog.String("request_id", env.RequestID),
			slog.String("dedup_key", key))
		return nil
	}
	defer p.release(key)

	req := env.ToRequest()
	var result executor.Result
	if p.dryRun || env.DryRun {
		result = p.engine.DryRun(ctx, req)
	} else {
		result = p.engine.Execute(ctx, req)
	}
	metrics.ObserveIntake(string(result.Status))
	p.log.Info("信封处理完成",
		slog.String("request_id", env.RequestID),
		slog.String("execution_id", result.ExecutionID),
		slog.String("status", string(result.Status)),
		slog.String("error_code", result.ErrorCode),
		slog.Int64("latency_ms", result.LatencyMS))
	return nil
}

func (p *Processor) claim(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Processor) release(key string) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

func (p *Processor) emitAlert(ctx context.Context, event alerting.Event) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.log.Warn("告警发送失败", slog.Any("error", err))
	}
}
