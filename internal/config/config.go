package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config 描述了 blossomd 在启动阶段需要加载的核心配置。
type Config struct {
	Chain         ChainConfig         `json:"chain"`
	Policy        PolicyConfig        `json:"policy"`
	Submission    SubmissionConfig    `json:"submission"`
	Intake        IntakeConfig        `json:"intake"`
	Ledger        LedgerConfig        `json:"ledger"`
	Logging       LoggingConfig       `json:"logging"`
	Observability ObservabilityConfig `json:"observability"`
	Runtime       RuntimeConfig       `json:"runtime"`
}

// ChainConfig 描述链接入层：RPC 端点清单与两个核心合约地址。
type ChainConfig struct {
	// EndpointsFile 指向 YAML 端点清单（含熔断与重试参数）。
	EndpointsFile string `json:"endpoints_file"`
	// SessionRegistry 是会话注册合约地址，策略评估前从这里读会话快照。
	SessionRegistry string `json:"session_registry"`
	// PlanExecutor 是计划执行合约地址，所有交易都发往这里。
	PlanExecutor string `json:"plan_executor"`
}

// PolicyConfig 控制支出估算与策略评估的参数。
type PolicyConfig struct {
	// ProofNominalCost 为证明类动作记入的固定名义成本（基础单位的十进制字符串）。
	ProofNominalCost string `json:"proof_nominal_cost"`
	// MaxDeadlineHorizonSeconds 限制计划截止时间距当前的最大跨度。
	MaxDeadlineHorizonSeconds int64 `json:"max_deadline_horizon_seconds"`
	// VerifyExecutorCode 为 true 时在提交前确认执行合约地址上有代码。
	VerifyExecutorCode bool `json:"verify_executor_code"`
}

// SubmissionConfig 控制交易提交与确认轮询。
type SubmissionConfig struct {
	PollIntervalSeconds   int `json:"poll_interval_seconds"`
	ConfirmTimeoutSeconds int `json:"confirm_timeout_seconds"`
}

// IntakeConfig 描述上游计划信封进入运行时的队列。
type IntakeConfig struct {
	Driver   string             `json:"driver"`
	Workers  int                `json:"workers"`
	Redis    RedisIntakeConfig  `json:"redis"`
	RabbitMQ RabbitIntakeConfig `json:"rabbitmq"`
}

// RedisIntakeConfig 描述 Redis 队列的连接参数。
type RedisIntakeConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitIntakeConfig 描述 RabbitMQ 队列的连接参数。
type RabbitIntakeConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LedgerConfig 描述结算记录下沉的目标。
type LedgerConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	// Capacity 仅对内存账本生效，控制保留的最近记录条数。
	Capacity int `json:"capacity"`
}

// LoggingConfig 透传给 pkg/logger。
type LoggingConfig struct {
	Level     string      `json:"level"`
	Format    string      `json:"format"`
	AddSource bool        `json:"add_source"`
	Outputs   []string    `json:"outputs"`
	Audit     AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// ObservabilityConfig 描述指标与告警出口。
type ObservabilityConfig struct {
	MetricsAddress string      `json:"metrics_address"`
	Alerts         AlertConfig `json:"alerts"`
}

// AlertConfig 配置告警通知渠道，留空即关闭对应渠道。
type AlertConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url"`
	SlackChannel    string `json:"slack_channel"`
	WebhookURL      string `json:"webhook_url"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
	// DryRun 为 true 时整个守护进程只做策略评估，不向链上提交任何交易。
	DryRun bool `json:"dry_run"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Chain.EndpointsFile == "" {
		c.Chain.EndpointsFile = filepath.Join(baseDir, "endpoints.yaml")
	} else if !filepath.IsAbs(c.Chain.EndpointsFile) {
		c.Chain.EndpointsFile = filepath.Join(baseDir, c.Chain.EndpointsFile)
	}

	if c.Policy.ProofNominalCost == "" {
		c.Policy.ProofNominalCost = "1000000"
	}
	if c.Policy.MaxDeadlineHorizonSeconds <= 0 {
		c.Policy.MaxDeadlineHorizonSeconds = 3600
	}

	if c.Submission.PollIntervalSeconds <= 0 {
		c.Submission.PollIntervalSeconds = 2
	}
	if c.Submission.ConfirmTimeoutSeconds <= 0 {
		c.Submission.ConfirmTimeoutSeconds = 60
	}

	if c.Intake.Driver == "" {
		c.Intake.Driver = "memory"
	}
	if c.Intake.Workers <= 0 {
		c.Intake.Workers = 4
	}
	if c.Intake.Redis.Queue == "" {
		c.Intake.Redis.Queue = "blossom:plans"
	}
	if c.Intake.Redis.BlockWaitSeconds <= 0 {
		c.Intake.Redis.BlockWaitSeconds = 5
	}
	if c.Intake.RabbitMQ.Queue == "" {
		c.Intake.RabbitMQ.Queue = "blossom.plans"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.Capacity <= 0 {
		c.Ledger.Capacity = 1024
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit", "executions.log")
	}
}

// validate 检查启动硬依赖，缺失时立刻拒绝而不是运行到一半才失败。
func (c *Config) validate() error {
	if strings.TrimSpace(c.Chain.SessionRegistry) == "" {
		return errors.New("chain.session_registry 不能为空")
	}
	if strings.TrimSpace(c.Chain.PlanExecutor) == "" {
		return errors.New("chain.plan_executor 不能为空")
	}
	switch c.Intake.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Intake.Driver)
	}
	switch c.Ledger.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的账本驱动: %s", c.Ledger.Driver)
	}
	if c.Ledger.Driver == "mysql" && strings.TrimSpace(c.Ledger.DSN) == "" {
		return errors.New("ledger.dsn 不能为空")
	}
	return nil
}
