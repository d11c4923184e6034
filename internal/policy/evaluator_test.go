package policy

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	xerrors "Blossom-Exec/internal/errors"
	"Blossom-Exec/internal/plan"
	"Blossom-Exec/internal/session"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testSessionID = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000f1")
	testOwner     = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	testExecutor  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

func activeSnapshot(maxSpend, spent int64) session.Snapshot {
	return session.Snapshot{
		ID:        testSessionID,
		Owner:     testOwner,
		Executor:  testExecutor,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		MaxSpend:  big.NewInt(maxSpend),
		Spent:     big.NewInt(spent),
		Active:    true,
		Adapters:  []common.Address{testAdapter},
	}
}

func newTestEvaluator(snapshots ...session.Snapshot) *Evaluator {
	reader := session.NewStaticReader()
	for _, snap := range snapshots {
		reader.Put(snap)
	}
	return NewEvaluator(reader, NewEstimator())
}

func pullSwapPlan(t *testing.T, pullAmount, swapAmount int64) *plan.ActionPlan {
	t.Helper()
	return &plan.ActionPlan{
		Signer:   testExecutor,
		Nonce:    1,
		Deadline: time.Now().Add(10 * time.Minute).Unix(),
		Actions: []plan.Action{
			{Kind: plan.KindPull, Adapter: testAdapter, Payload: mustEncodePull(t, pullAmount)},
			{Kind: plan.KindSwap, Adapter: testAdapter, Payload: mustEncodeSwap(t, swapAmount)},
		},
	}
}

func TestEvaluateDeniesWhenSpendExceedsRemaining(t *testing.T) {
	t.Parallel()

	// 剩余额度 900,计划拉取 500 加兑换 500,合计 1000,必须拒绝。
	ev := newTestEvaluator(activeSnapshot(1000, 100))
	decision, err := ev.Evaluate(context.Background(), testSessionID, testExecutor, pullSwapPlan(t, 500, 500))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial")
	}
	if decision.Code != CodePolicyExceeded {
		t.Fatalf("code = %s, want %s", decision.Code, CodePolicyExceeded)
	}
	if got := decision.Details["attempted"]; got != "1000" {
		t.Fatalf("attempted = %s, want 1000", got)
	}
	if got := decision.Details["remaining"]; got != "900" {
		t.Fatalf("remaining = %s, want 900", got)
	}
	if got := decision.Details["limit"]; got != "1000" {
		t.Fatalf("limit = %s, want 1000", got)
	}
}

func TestEvaluateAllowsExactRemainingBudget(t *testing.T) {
	t.Parallel()

	ev := newTestEvaluator(activeSnapshot(1000, 0))
	decision, err := ev.Evaluate(context.Background(), testSessionID, testExecutor, pullSwapPlan(t, 500, 500))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("boundary spend must be allowed, got %s: %s", decision.Code, decision.Reason)
	}
	if decision.Code != CodePolicyAllowed {
		t.Fatalf("code = %s, want %s", decision.Code, CodePolicyAllowed)
	}
	if decision.Estimate.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("estimate = %s, want 1000", decision.Estimate.Amount)
	}
}

func TestEvaluateDeniesUnknownSession(t *testing.T) {
	t.Parallel()

	ev := newTestEvaluator() // 空读取器,任何会话都不存在。
	decision, err := ev.Evaluate(context.Background(), testSessionID, testExecutor, pullSwapPlan(t, 1, 1))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Allowed || decision.Code != CodeSessionNotActive {
		t.Fatalf("decision = %+v, want %s", decision, CodeSessionNotActive)
	}
}

func TestEvaluateDeniesExpiredAndRevokedSessions(t *testing.T) {
	t.Parallel()

	expired := activeSnapshot(1000, 0)
	expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	revoked := activeSnapshot(1000, 0)
	revoked.ID = common.HexToHash("0xf2")
	revoked.Active = false

	ev := newTestEvaluator(expired, revoked)

	decision, err := ev.Evaluate(context.Background(), expired.ID, testExecutor, pullSwapPlan(t, 1, 1))
	if err != nil {
		t.Fatalf("evaluate expired: %v", err)
	}
	if decision.Code != CodeSessionExpiredOrRevoked {
		t.Fatalf("code = %s, want %s", decision.Code, CodeSessionExpiredOrRevoked)
	}
	if decision.Details["status"] != string(session.StatusExpired) {
		t.Fatalf("status detail = %s, want expired", decision.Details["status"])
	}
	for _, key := range []string{"expires_at", "now"} {
		if decision.Details[key] == "" {
			t.Fatalf("missing %s detail: %+v", key, decision.Details)
		}
	}

	decision, err = ev.Evaluate(context.Background(), revoked.ID, testExecutor, pullSwapPlan(t, 1, 1))
	if err != nil {
		t.Fatalf("evaluate revoked: %v", err)
	}
	if decision.Code != CodeSessionExpiredOrRevoked {
		t.Fatalf("code = %s, want %s", decision.Code, CodeSessionExpiredOrRevoked)
	}
	if decision.Details["status"] != string(session.StatusRevoked) {
		t.Fatalf("status detail = %s, want revoked", decision.Details["status"])
	}
}

func TestEvaluateDeniesForeignSubmitter(t *testing.T) {
	t.Parallel()

	ev := newTestEvaluator(activeSnapshot(1000, 0))
	outsider := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	decision, err := ev.Evaluate(context.Background(), testSessionID, outsider, pullSwapPlan(t, 1, 1))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Code != CodeExecutorMismatch {
		t.Fatalf("code = %s, want %s", decision.Code, CodeExecutorMismatch)
	}
	if decision.Details["submitter"] != outsider.Hex() {
		t.Fatalf("submitter detail = %s", decision.Details["submitter"])
	}
}

func TestEvaluateAdapterCheckPrecedesSpendCheck(t *testing.T) {
	t.Parallel()

	// 支出远超额度,但第二个动作的适配器不在白名单内;
	// 白名单检查在先,必须报适配器违规而不是超额。
	ev := newTestEvaluator(activeSnapshot(10, 0))
	rogue := common.HexToAddress("0x00000000000000000000000000000000000000c9")
	p := pullSwapPlan(t, 500, 500)
	p.Actions[1].Adapter = rogue

	decision, err := ev.Evaluate(context.Background(), testSessionID, testExecutor, p)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Code != CodeAdapterNotAllowed {
		t.Fatalf("code = %s, want %s", decision.Code, CodeAdapterNotAllowed)
	}
	if decision.Details["adapter"] != rogue.Hex() {
		t.Fatalf("adapter detail = %s, want %s", decision.Details["adapter"], rogue.Hex())
	}
	if decision.Details["allowlist"] != testAdapter.Hex() {
		t.Fatalf("allowlist detail = %s, want %s", decision.Details["allowlist"], testAdapter.Hex())
	}
	if decision.Details["action_index"] != "1" {
		t.Fatalf("action_index detail = %s, want 1", decision.Details["action_index"])
	}
}

func TestEvaluateFailsClosedOnUndecodableAction(t *testing.T) {
	t.Parallel()

	ev := newTestEvaluator(activeSnapshot(1_000_000_000, 0))
	p := pullSwapPlan(t, 1, 1)
	p.Actions[1].Payload = []byte{0x01, 0x02, 0x03}

	decision, err := ev.Evaluate(context.Background(), testSessionID, testExecutor, p)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Allowed {
		t.Fatal("undeterminable spend must never be allowed")
	}
	if decision.Code != CodeUndeterminedSpend {
		t.Fatalf("code = %s, want %s", decision.Code, CodeUndeterminedSpend)
	}
	if decision.Details["action_index"] != "1" {
		t.Fatalf("action_index detail = %s, want 1", decision.Details["action_index"])
	}
}

type failingReader struct{ err error }

func (r failingReader) Read(context.Context, common.Hash) (session.Snapshot, error) {
	return session.Snapshot{}, r.err
}

func TestEvaluateSurfacesReaderFailuresAsErrors(t *testing.T) {
	t.Parallel()

	readErr := xerrors.New(session.CodeSessionReadFailed, "读取会话快照失败")
	ev := NewEvaluator(failingReader{err: readErr}, NewEstimator())
	_, err := ev.Evaluate(context.Background(), testSessionID, testExecutor, pullSwapPlan(t, 1, 1))
	if !errors.Is(err, readErr) {
		t.Fatalf("err = %v, want wrapped read failure", err)
	}
}

type staticOverride struct {
	snap    session.Snapshot
	ceiling *big.Int
}

func (o staticOverride) SessionSnapshot(common.Hash) (session.Snapshot, bool) {
	return o.snap, true
}

func (o staticOverride) SpendCeiling(common.Hash) (*big.Int, bool) {
	if o.ceiling == nil {
		return nil, false
	}
	return o.ceiling, true
}

func TestEvaluateHonorsInjectedOverride(t *testing.T) {
	t.Parallel()

	// 读取器是空的:若覆盖未生效,评估会以 SESSION_NOT_ACTIVE 拒绝。
	override := staticOverride{snap: activeSnapshot(10, 0), ceiling: big.NewInt(5000)}
	ev := NewEvaluator(session.NewStaticReader(), NewEstimator(), WithOverride(override))

	decision, err := ev.Evaluate(context.Background(), testSessionID, testExecutor, pullSwapPlan(t, 500, 500))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("override ceiling must lift the limit, got %s: %s", decision.Code, decision.Reason)
	}

	// 不带上限覆盖时,快照自身的额度继续生效。
	tight := staticOverride{snap: activeSnapshot(10, 0)}
	ev = NewEvaluator(session.NewStaticReader(), NewEstimator(), WithOverride(tight))
	decision, err = ev.Evaluate(context.Background(), testSessionID, testExecutor, pullSwapPlan(t, 500, 500))
	if err != nil {
		t.Fatalf("evaluate tight: %v", err)
	}
	if decision.Code != CodePolicyExceeded {
		t.Fatalf("code = %s, want %s", decision.Code, CodePolicyExceeded)
	}
}
