package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Blossom-Exec/internal/config"
	"Blossom-Exec/internal/executor"
	"Blossom-Exec/internal/intake"
	"Blossom-Exec/internal/ledger"
	"Blossom-Exec/internal/observability/alerting"
	"Blossom-Exec/internal/observability/metrics"
	"Blossom-Exec/internal/policy"
	"Blossom-Exec/internal/session"
	"Blossom-Exec/internal/web3"
	"Blossom-Exec/internal/web3/rpcpool"
	"Blossom-Exec/internal/web3/submitter"
	"Blossom-Exec/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// main 是 Blossom 执行守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("blossomd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("BLOSSOM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "blossom.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		AddSource:   cfg.Logging.AddSource,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	appLog := logger.Named("blossomd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	alerter := buildAlerts(cfg.Observability.Alerts)

	inv, err := web3.LoadEndpointInventory(cfg.Chain.EndpointsFile)
	if err != nil {
		return err
	}
	pool, err := rpcpool.New(rpcpool.ConfigFromInventory(inv), rpcpool.WithAlertDispatcher(alerter))
	if err != nil {
		return err
	}
	defer pool.Close()
	probeChain(ctx, appLog, pool)

	if !common.IsHexAddress(cfg.Chain.SessionRegistry) {
		return fmt.Errorf("chain.session_registry 不是合法地址: %s", cfg.Chain.SessionRegistry)
	}
	if !common.IsHexAddress(cfg.Chain.PlanExecutor) {
		return fmt.Errorf("chain.plan_executor 不是合法地址: %s", cfg.Chain.PlanExecutor)
	}
	registry := common.HexToAddress(cfg.Chain.SessionRegistry)
	target := common.HexToAddress(cfg.Chain.PlanExecutor)

	proofCost, ok := new(big.Int).SetString(cfg.Policy.ProofNominalCost, 10)
	if !ok {
		return fmt.Errorf("policy.proof_nominal_cost 不是十进制整数: %s", cfg.Policy.ProofNominalCost)
	}
	estimator := policy.NewEstimator(policy.WithProofCost(proofCost))
	reader := session.NewChainReader(pool, registry)
	evaluator := policy.NewEvaluator(reader, estimator)

	sub := submitter.New(pool,
		submitter.WithPollInterval(time.Duration(cfg.Submission.PollIntervalSeconds)*time.Second),
		submitter.WithConfirmTimeout(time.Duration(cfg.Submission.ConfirmTimeoutSeconds)*time.Second),
	)

	recorder, err := buildLedger(cfg.Ledger)
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			appLog.Warn("关闭台账失败", slog.Any("error", err))
		}
	}()

	engine, err := executor.New(executor.Config{
		Target:           target,
		VerifyTargetCode: cfg.Policy.VerifyExecutorCode,
		DeadlineHorizon:  time.Duration(cfg.Policy.MaxDeadlineHorizonSeconds) * time.Second,
	}, evaluator, sub, pool,
		executor.WithRecorder(recorder),
		executor.WithAlertDispatcher(alerter),
	)
	if err != nil {
		return err
	}

	queue, err := buildQueue(cfg.Intake)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			appLog.Warn("关闭信封队列失败", slog.Any("error", err))
		}
	}()

	processor := intake.NewProcessor(engine, queue,
		intake.WithWorkerCount(cfg.Intake.Workers),
		intake.WithProcessorAlerts(alerter),
		intake.WithDryRunMode(cfg.Runtime.DryRun),
	)

	if cfg.Observability.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Observability.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	appLog.Info("blossomd 已启动",
		slog.Int("endpoints", len(inv.Endpoints)),
		slog.String("intake_driver", cfg.Intake.Driver),
		slog.String("ledger_driver", cfg.Ledger.Driver),
		slog.String("plan_executor", target.Hex()),
		slog.Bool("dry_run", cfg.Runtime.DryRun))

	if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLog.Info("blossomd 已停止")
	return nil
}

// probeChain 在启动时确认至少一个端点可达。失败只告警不终止:端点池
// 会在队列真正开始消费前继续自愈。
func probeChain(ctx context.Context, appLog *slog.Logger, pool *rpcpool.Pool) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var chainID hexutil.Big
	if err := pool.CallContext(probeCtx, &chainID, "eth_chainId"); err != nil {
		appLog.Warn("链探测失败,继续启动", slog.Any("error", err))
		return
	}
	appLog.Info("已连接链", slog.String("chain_id", chainID.String()))
}

func buildAlerts(cfg config.AlertConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			WebhookURL: cfg.SlackWebhookURL,
			ChannelID:  cfg.SlackChannel,
		})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

func buildLedger(cfg config.LedgerConfig) (ledger.Recorder, error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewMemoryRecorder(cfg.Capacity), nil
	case "mysql":
		return ledger.NewMySQLRecorder(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Driver)
	}
}

func buildQueue(cfg config.IntakeConfig) (intake.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return intake.NewMemoryQueue(1024), nil
	case "redis":
		return intake.NewRedisQueue(intake.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return intake.NewRabbitMQQueue(intake.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
