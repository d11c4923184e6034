package web3

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EndpointInventory models the structure of configs/endpoints.yaml: the
// ranked RPC endpoints plus the pool tuning knobs. Order in the file is
// priority order; the first entry is the primary.
type EndpointInventory struct {
	Endpoints []EndpointDefinition `yaml:"endpoints"`
	Pool      PoolTuning           `yaml:"pool"`
}

// EndpointDefinition describes a single ranked RPC endpoint.
type EndpointDefinition struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	Description string `yaml:"description"`
}

// PoolTuning carries the circuit breaker and retry parameters applied to
// every endpoint in the inventory.
type PoolTuning struct {
	FailureThreshold        int `yaml:"failure_threshold"`
	CooldownSeconds         int `yaml:"cooldown_seconds"`
	RateLimitCooldownSecs   int `yaml:"rate_limit_cooldown_seconds"`
	AttemptTimeoutSeconds   int `yaml:"attempt_timeout_seconds"`
	RetryBudget             int `yaml:"retry_budget"`
	BackoffBaseMilliseconds int `yaml:"backoff_base_ms"`
	BackoffMaxMilliseconds  int `yaml:"backoff_max_ms"`
}

// Cooldown returns the generic breaker cooldown as a duration.
func (t PoolTuning) Cooldown() time.Duration {
	return time.Duration(t.CooldownSeconds) * time.Second
}

// RateLimitCooldown returns the rate limit cooldown as a duration.
func (t PoolTuning) RateLimitCooldown() time.Duration {
	return time.Duration(t.RateLimitCooldownSecs) * time.Second
}

// AttemptTimeout returns the per-attempt timeout as a duration.
func (t PoolTuning) AttemptTimeout() time.Duration {
	return time.Duration(t.AttemptTimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay as a duration.
func (t PoolTuning) BackoffBase() time.Duration {
	return time.Duration(t.BackoffBaseMilliseconds) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling as a duration.
func (t PoolTuning) BackoffMax() time.Duration {
	return time.Duration(t.BackoffMaxMilliseconds) * time.Millisecond
}

// ApplyDefaults fills unset tuning fields with the runtime defaults.
func (t *PoolTuning) ApplyDefaults() {
	if t.FailureThreshold <= 0 {
		t.FailureThreshold = 2
	}
	if t.CooldownSeconds <= 0 {
		t.CooldownSeconds = 30
	}
	if t.RateLimitCooldownSecs <= 0 {
		t.RateLimitCooldownSecs = 120
	}
	if t.AttemptTimeoutSeconds <= 0 {
		t.AttemptTimeoutSeconds = 10
	}
	if t.RetryBudget < 0 {
		t.RetryBudget = 0
	} else if t.RetryBudget == 0 {
		t.RetryBudget = 2
	}
	if t.BackoffBaseMilliseconds <= 0 {
		t.BackoffBaseMilliseconds = 200
	}
	if t.BackoffMaxMilliseconds <= 0 {
		t.BackoffMaxMilliseconds = 2000
	}
}

// LoadEndpointInventory parses the YAML file containing endpoint metadata.
func LoadEndpointInventory(path string) (EndpointInventory, error) {
	if strings.TrimSpace(path) == "" {
		return EndpointInventory{}, fmt.Errorf("端点清单路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return EndpointInventory{}, fmt.Errorf("读取端点清单失败: %w", err)
	}

	var inv EndpointInventory
	if err := yaml.Unmarshal(content, &inv); err != nil {
		return EndpointInventory{}, fmt.Errorf("解析端点清单失败: %w", err)
	}
	if len(inv.Endpoints) == 0 {
		return EndpointInventory{}, fmt.Errorf("端点清单为空: %s", path)
	}
	for i, ep := range inv.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			return EndpointInventory{}, fmt.Errorf("端点 %d 缺少 url", i)
		}
	}
	inv.Pool.ApplyDefaults()
	return inv, nil
}
