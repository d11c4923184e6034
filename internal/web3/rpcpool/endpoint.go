package rpcpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// endpoint holds the connection and health record of a single ranked RPC
// endpoint. Health fields are mutated only by call outcomes and are guarded
// by the endpoint's own mutex so unrelated endpoints never serialize on one
// another.
type endpoint struct {
	name string
	url  string

	mu                  sync.Mutex
	client              *gethrpc.Client
	consecutiveFailures int
	circuitOpenUntil    time.Time
	rateLimitedUntil    time.Time
	lastFailureAt       time.Time
	totalCalls          uint64
	totalFailures       uint64
}

// EndpointHealth is a point-in-time copy of one endpoint's health record,
// exposed for metrics and operational introspection.
type EndpointHealth struct {
	Name                string
	URL                 string
	Healthy             bool
	CircuitOpen         bool
	RateLimited         bool
	ConsecutiveFailures int
	CircuitOpenUntil    time.Time
	RateLimitedUntil    time.Time
	LastFailureAt       time.Time
	TotalCalls          uint64
	TotalFailures       uint64
}

// available reports whether the endpoint may serve traffic at the given
// instant. Both cooldowns must have elapsed; they are independent and
// clearing one never clears the other.
func (e *endpoint) available(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !now.Before(e.circuitOpenUntil) && !now.Before(e.rateLimitedUntil)
}

// dial lazily establishes the RPC connection on first use.
func (e *endpoint) dial(ctx context.Context) (*gethrpc.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	client, err := gethrpc.DialContext(ctx, e.url)
	if err != nil {
		return nil, fmt.Errorf("连接端点 %s 失败: %w", e.name, err)
	}
	e.client = client
	return client, nil
}

// recordSuccess resets the failure counter and closes both cooldowns. A
// served response is positive evidence the endpoint admits traffic again.
func (e *endpoint) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalCalls++
	e.consecutiveFailures = 0
	e.circuitOpenUntil = time.Time{}
	e.rateLimitedUntil = time.Time{}
}

// recordFailure bumps the consecutive-failure counter and opens the generic
// breaker once the threshold is reached. It reports whether this failure
// opened (or re-armed) the circuit.
func (e *endpoint) recordFailure(now time.Time, threshold int, cooldown time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalCalls++
	e.totalFailures++
	e.consecutiveFailures++
	e.lastFailureAt = now
	if threshold > 0 && e.consecutiveFailures >= threshold {
		e.circuitOpenUntil = now.Add(cooldown)
		return true
	}
	return false
}

// recordRateLimit opens the rate-limit cooldown immediately, bypassing the
// failure threshold. The generic counter is left untouched so the two
// breaker states stay isolated.
func (e *endpoint) recordRateLimit(now time.Time, cooldown time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalCalls++
	e.totalFailures++
	e.lastFailureAt = now
	e.rateLimitedUntil = now.Add(cooldown)
}

// health captures a copy of the record at the given instant.
func (e *endpoint) health(now time.Time) EndpointHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	circuitOpen := now.Before(e.circuitOpenUntil)
	rateLimited := now.Before(e.rateLimitedUntil)
	return EndpointHealth{
		Name:                e.name,
		URL:                 e.url,
		Healthy:             !circuitOpen && !rateLimited,
		CircuitOpen:         circuitOpen,
		RateLimited:         rateLimited,
		ConsecutiveFailures: e.consecutiveFailures,
		CircuitOpenUntil:    e.circuitOpenUntil,
		RateLimitedUntil:    e.rateLimitedUntil,
		LastFailureAt:       e.lastFailureAt,
		TotalCalls:          e.totalCalls,
		TotalFailures:       e.totalFailures,
	}
}

// close releases the underlying connection if one was established.
func (e *endpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
}
