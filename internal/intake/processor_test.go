package intake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Blossom-Exec/internal/executor"

	"github.com/ethereum/go-ethereum/common"
)

type fakeEngine struct {
	executes int32
	dryRuns  int32
	delay    time.Duration

	mu   sync.Mutex
	last executor.Request
}

func (f *fakeEngine) Execute(ctx context.Context, req executor.Request) executor.Result {
	atomic.AddInt32(&f.executes, 1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(f.delay):
		}
	}
	return executor.Result{ExecutionID: "exec-1", Status: executor.OutcomeConfirmed}
}

func (f *fakeEngine) DryRun(ctx context.Context, req executor.Request) executor.Result {
	atomic.AddInt32(&f.dryRuns, 1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return executor.Result{ExecutionID: "exec-dry", Status: executor.OutcomeAllowed}
}

func (f *fakeEngine) lastRequest() executor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// waitFor 轮询直到条件满足或超时。
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func startProcessor(t *testing.T, engine *fakeEngine, queue *MemoryQueue, opts ...ProcessorOption) context.CancelFunc {
	t.Helper()
	opts = append(opts, WithWorkerCount(2))
	proc := NewProcessor(engine, queue, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("processor exited with %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("processor did not stop after cancel")
		}
	})
	return cancel
}

func publish(t *testing.T, queue *MemoryQueue, env Envelope) {
	t.Helper()
	payload, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	if err := queue.Publish(context.Background(), payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestProcessorExecutesQueuedEnvelopes(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	queue := NewMemoryQueue(8)
	startProcessor(t, engine, queue)

	publish(t, queue, testEnvelope(t, 1))

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&engine.executes) == 1 })

	req := engine.lastRequest()
	if req.SessionID != testSessionID || req.Submitter != testSubmitter {
		t.Fatalf("request identity mismatch: %s/%s", req.SessionID, req.Submitter)
	}
	if req.Plan == nil || len(req.Plan.Actions) != 1 {
		t.Fatalf("plan not restored: %+v", req.Plan)
	}
	if got := atomic.LoadInt32(&engine.dryRuns); got != 0 {
		t.Fatalf("dry runs = %d, want 0", got)
	}
}

func TestProcessorRoutesDryRunEnvelopes(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	queue := NewMemoryQueue(8)
	startProcessor(t, engine, queue)

	env := testEnvelope(t, 2)
	env.DryRun = true
	publish(t, queue, env)

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&engine.dryRuns) == 1 })
	if got := atomic.LoadInt32(&engine.executes); got != 0 {
		t.Fatalf("executes = %d, want 0", got)
	}
}

func TestProcessorDryRunModeNeverSubmits(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	queue := NewMemoryQueue(8)
	startProcessor(t, engine, queue, WithDryRunMode(true))

	publish(t, queue, testEnvelope(t, 3))

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&engine.dryRuns) == 1 })
	if got := atomic.LoadInt32(&engine.executes); got != 0 {
		t.Fatalf("executes = %d, want 0", got)
	}
}

func TestProcessorDropsMalformedEnvelopes(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	queue := NewMemoryQueue(8)
	startProcessor(t, engine, queue)

	if err := queue.Publish(context.Background(), []byte("not an envelope")); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	publish(t, queue, testEnvelope(t, 4))

	// 合法信封照常执行,畸形信封被丢弃而不是卡死队列。
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&engine.executes) == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&engine.executes); got != 1 {
		t.Fatalf("executes = %d, want 1", got)
	}
}

func TestProcessorSuppressesDuplicateInflightEnvelopes(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{delay: 150 * time.Millisecond}
	queue := NewMemoryQueue(8)
	startProcessor(t, engine, queue)

	duplicate := testEnvelope(t, 5)
	publish(t, queue, duplicate)
	publish(t, queue, duplicate)
	publish(t, queue, testEnvelope(t, 6))

	// 不同 nonce 并行执行,相同 nonce 的第二份在途期间被跳过。
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&engine.executes) == 2 })
	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&engine.executes); got != 2 {
		t.Fatalf("executes = %d, want 2", got)
	}
}

func TestProcessorAcceptsEnvelopeWithoutRequestID(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	queue := NewMemoryQueue(8)
	startProcessor(t, engine, queue)

	env := testEnvelope(t, 8)
	env.RequestID = ""
	publish(t, queue, env)

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&engine.executes) == 1 })

	req := engine.lastRequest()
	if req.SessionID == (common.Hash{}) {
		t.Fatal("request lost session identity")
	}
}
