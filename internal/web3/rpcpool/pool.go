package rpcpool

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "Blossom-Exec/internal/errors"
	"Blossom-Exec/internal/observability/alerting"
	"Blossom-Exec/internal/observability/metrics"
	"Blossom-Exec/internal/web3"
	"Blossom-Exec/pkg/logger"
)

// 端点池相关的错误码
const (
	// CodeEndpointsExhausted 表示池内所有端点(含兜底的主端点)都未能完成调用。
	CodeEndpointsExhausted xerrors.Code = "RPC_ENDPOINTS_EXHAUSTED"
	// CodeCircuitOpen 标记某个端点的通用熔断被打开,用于告警事件。
	CodeCircuitOpen xerrors.Code = "RPC_CIRCUIT_OPEN"
	// CodeRateLimited 标记某个端点进入限流冷却,用于告警事件。
	CodeRateLimited xerrors.Code = "RPC_RATE_LIMITED"
	// CodePoolUninitialized 表示端点池缺少可用配置。
	CodePoolUninitialized xerrors.Code = "RPC_POOL_UNINITIALIZED"
)

func init() {
	xerrors.Register(CodeEndpointsExhausted, xerrors.Attributes{
		Message:   "所有 RPC 端点均不可用",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeCircuitOpen, xerrors.Attributes{
		Message:   "端点熔断已开启",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:   "端点被上游限流",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodePoolUninitialized, xerrors.Attributes{
		Message:  "端点池未初始化",
		Severity: xerrors.SeverityCritical,
	})
}

// Config carries the endpoint inventory and breaker tuning for a Pool. The
// endpoint slice is priority-ordered: index zero is the primary.
type Config struct {
	Endpoints         []web3.EndpointDefinition
	FailureThreshold  int
	Cooldown          time.Duration
	RateLimitCooldown time.Duration
	AttemptTimeout    time.Duration
	RetryBudget       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// ConfigFromInventory converts a loaded endpoints.yaml inventory into a pool
// configuration, applying the tuning defaults for any knob left unset.
func ConfigFromInventory(inv web3.EndpointInventory) Config {
	tuning := inv.Pool
	tuning.ApplyDefaults()
	return Config{
		Endpoints:         inv.Endpoints,
		FailureThreshold:  tuning.FailureThreshold,
		Cooldown:          tuning.Cooldown(),
		RateLimitCooldown: tuning.RateLimitCooldown(),
		AttemptTimeout:    tuning.AttemptTimeout(),
		RetryBudget:       tuning.RetryBudget,
		BackoffBase:       tuning.BackoffBase(),
		BackoffMax:        tuning.BackoffMax(),
	}
}

// Pool fans JSON-RPC calls out over a ranked endpoint list with a circuit
// breaker per endpoint. Endpoints are always tried in priority order; an
// endpoint sitting in either cooldown is skipped without touching its peers.
// Health bookkeeping is per endpoint, so two callers hitting different
// endpoints never contend on a shared lock.
type Pool struct {
	cfg       Config
	endpoints []*endpoint
	log       *slog.Logger
	alerter   alerting.Dispatcher
}

// Option configures optional collaborators of the pool.
type Option func(*Pool)

// WithLogger overrides the default named logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// WithAlertDispatcher wires an alert dispatcher that receives circuit-open,
// rate-limit and exhaustion events.
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(p *Pool) { p.alerter = d }
}

// New validates the configuration and builds a pool. Connections are dialed
// lazily on first use, so construction never blocks on the network.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, xerrors.New(CodePoolUninitialized, "端点清单为空,无法构建端点池")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	p := &Pool{
		cfg: cfg,
		log: logger.Named("rpcpool"),
	}
	for _, def := range cfg.Endpoints {
		if def.URL == "" {
			return nil, xerrors.New(CodePoolUninitialized,
				fmt.Sprintf("端点 %s 缺少 URL", def.Name))
		}
		name := def.Name
		if name == "" {
			name = def.URL
		}
		p.endpoints = append(p.endpoints, &endpoint{name: name, url: def.URL})
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, ep := range p.endpoints {
		metrics.SetCircuitState(ep.name, metrics.CircuitClosed)
	}
	return p, nil
}

// callerError wraps a JSON-RPC application error on its way back through the
// failover loop. The endpoint answered; the error is the caller's to handle.
type callerError struct{ err error }

func (c callerError) Error() string { return c.err.Error() }

// CallContext issues a JSON-RPC call through the first healthy endpoint,
// failing over down the priority list. Failed endpoints keep serving other
// traffic the moment their cooldown lapses; within one call the pool never
// revisits an endpoint it already gave up on. When every circuit is open at
// entry the primary gets one last-resort shot: breaker state may simply be
// stale, and an answered call beats a refused one.
func (p *Pool) CallContext(ctx context.Context, result any, method string, args ...any) error {
	if p == nil || len(p.endpoints) == 0 {
		return xerrors.New(CodePoolUninitialized, "端点池未初始化")
	}
	var lastErr error
	attempted := false
	for _, ep := range p.endpoints {
		if !ep.available(time.Now()) {
			continue
		}
		attempted = true
		err := p.callEndpoint(ctx, ep, result, method, args)
		if err == nil {
			return nil
		}
		if ce, ok := err.(callerError); ok {
			return ce.err
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	if !attempted {
		primary := p.endpoints[0]
		p.log.Warn("所有端点处于熔断状态,兜底尝试主端点",
			slog.String("endpoint", primary.name),
			slog.String("method", method))
		err := p.callEndpoint(ctx, primary, result, method, args)
		if err == nil {
			return nil
		}
		if ce, ok := err.(callerError); ok {
			return ce.err
		}
		lastErr = err
	}
	exhausted := xerrors.Wrap(CodeEndpointsExhausted, lastErr,
		fmt.Sprintf("方法 %s 在所有端点上均失败", method),
		xerrors.WithMetadata("method", method))
	p.emitAlert(ctx, alerting.Event{
		Code:     CodeEndpointsExhausted,
		Message:  exhausted.Message(),
		Severity: xerrors.SeverityCritical,
		Metadata: map[string]string{"method": method},
	})
	return exhausted
}

// callEndpoint performs one call on a single endpoint, including the
// same-endpoint retry budget for transient failures. The returned error is a
// callerError when the response was a JSON-RPC application error.
func (p *Pool) callEndpoint(ctx context.Context, ep *endpoint, result any, method string, args []any) error {
	client, err := ep.dial(ctx)
	if err != nil {
		now := time.Now()
		opened := ep.recordFailure(now, p.cfg.FailureThreshold, p.cfg.Cooldown)
		metrics.ObserveRPCAttempt(ep.name, method, "failure", 0)
		p.afterFailure(ctx, ep, method, err, opened)
		return err
	}
	var lastErr error
	for attempt := 0; attempt <= p.cfg.RetryBudget; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(p.cfg.BackoffBase, p.cfg.BackoffMax, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		err = client.CallContext(attemptCtx, result, method, args...)
		cancel()
		elapsed := time.Since(start)
		if err == nil {
			ep.recordSuccess()
			metrics.ObserveRPCAttempt(ep.name, method, "success", elapsed)
			metrics.SetCircuitState(ep.name, metrics.CircuitClosed)
			return nil
		}
		if ctx.Err() != nil {
			// 调用方取消或整体截止,不计入端点健康。
			metrics.ObserveRPCAttempt(ep.name, method, "canceled", elapsed)
			return ctx.Err()
		}
		now := time.Now()
		switch classifyCallError(err) {
		case classApplication:
			// 端点尽职地返回了业务错误,按成功记账并原样交还调用方。
			ep.recordSuccess()
			metrics.ObserveRPCAttempt(ep.name, method, "app_error", elapsed)
			metrics.SetCircuitState(ep.name, metrics.CircuitClosed)
			return callerError{err}
		case classRateLimit:
			ep.recordRateLimit(now, p.cfg.RateLimitCooldown)
			metrics.ObserveRPCAttempt(ep.name, method, "rate_limited", elapsed)
			metrics.SetCircuitState(ep.name, metrics.CircuitRateLimited)
			p.log.Warn("端点被限流,进入限流冷却",
				slog.String("endpoint", ep.name),
				slog.String("method", method),
				slog.Duration("cooldown", p.cfg.RateLimitCooldown),
				slog.Any("error", err))
			p.emitAlert(ctx, alerting.Event{
				Code:     CodeRateLimited,
				Message:  fmt.Sprintf("端点 %s 被限流,冷却 %s", ep.name, p.cfg.RateLimitCooldown),
				Severity: xerrors.SeverityWarning,
				Endpoint: ep.name,
				Metadata: map[string]string{
					"method":   method,
					"cooldown": p.cfg.RateLimitCooldown.String(),
				},
			})
			return fmt.Errorf("端点 %s 被限流: %w", ep.name, err)
		case classEndpointFatal:
			opened := ep.recordFailure(now, p.cfg.FailureThreshold, p.cfg.Cooldown)
			metrics.ObserveRPCAttempt(ep.name, method, "failure", elapsed)
			p.afterFailure(ctx, ep, method, err, opened)
			return fmt.Errorf("端点 %s 返回不可重试的错误: %w", ep.name, err)
		default:
			opened := ep.recordFailure(now, p.cfg.FailureThreshold, p.cfg.Cooldown)
			metrics.ObserveRPCAttempt(ep.name, method, "failure", elapsed)
			p.afterFailure(ctx, ep, method, err, opened)
			lastErr = err
		}
	}
	return fmt.Errorf("端点 %s 重试预算耗尽: %w", ep.name, lastErr)
}

// afterFailure handles the shared bookkeeping of a counted failure: debug
// logging always, plus the circuit-open log line and alert when this failure
// tripped the breaker.
func (p *Pool) afterFailure(ctx context.Context, ep *endpoint, method string, err error, opened bool) {
	if !opened {
		p.log.Debug("端点调用失败",
			slog.String("endpoint", ep.name),
			slog.String("method", method),
			slog.Any("error", err))
		return
	}
	metrics.SetCircuitState(ep.name, metrics.CircuitOpen)
	p.log.Warn("端点连续失败,熔断开启",
		slog.String("endpoint", ep.name),
		slog.String("method", method),
		slog.Duration("cooldown", p.cfg.Cooldown),
		slog.Any("error", err))
	p.emitAlert(ctx, alerting.Event{
		Code:     CodeCircuitOpen,
		Message:  fmt.Sprintf("端点 %s 连续失败 %d 次,熔断 %s", ep.name, p.cfg.FailureThreshold, p.cfg.Cooldown),
		Severity: xerrors.SeverityWarning,
		Endpoint: ep.name,
		Metadata: map[string]string{
			"method":    method,
			"threshold": strconv.Itoa(p.cfg.FailureThreshold),
			"cooldown":  p.cfg.Cooldown.String(),
		},
	})
}

// emitAlert dispatches an event when an alerter is wired; delivery failures
// are logged and swallowed so alerting can never break the call path.
func (p *Pool) emitAlert(ctx context.Context, event alerting.Event) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.log.Warn("告警发送失败", slog.Any("error", err))
	}
}

// Health returns a point-in-time snapshot of every endpoint, in priority
// order.
func (p *Pool) Health() []EndpointHealth {
	now := time.Now()
	out := make([]EndpointHealth, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep.health(now))
	}
	return out
}

// Close releases all dialed connections.
func (p *Pool) Close() {
	for _, ep := range p.endpoints {
		ep.close()
	}
}

var _ web3.Caller = (*Pool)(nil)
