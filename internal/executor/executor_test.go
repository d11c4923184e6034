package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	xerrors "Blossom-Exec/internal/errors"
	"Blossom-Exec/internal/ledger"
	"Blossom-Exec/internal/plan"
	"Blossom-Exec/internal/policy"
	"Blossom-Exec/internal/session"
	"Blossom-Exec/internal/web3/submitter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	testSessionID = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000f1")
	testExecutor  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	testAdapter   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testTarget    = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	testTxHash    = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000aa")
	testAsset     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testAssetB    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
)

// fakeChain scripts every RPC method the execution path touches and counts
// calls so tests can assert which stages ran.
type fakeChain struct {
	mu            sync.Mutex
	codeEmpty     bool
	estimateErr   error
	sendErr       error
	receiptStatus uint64
	neverMined    bool

	getCodeCalls  int
	estimateCalls int
	sendCalls     int
	receiptCalls  int
}

func (f *fakeChain) CallContext(_ context.Context, result any, method string, _ ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method {
	case "eth_getCode":
		f.getCodeCalls++
		if f.codeEmpty {
			return nil
		}
		*result.(*hexutil.Bytes) = hexutil.Bytes{0x60, 0x80}
		return nil
	case "eth_estimateGas":
		f.estimateCalls++
		if f.estimateErr != nil {
			return f.estimateErr
		}
		*result.(*hexutil.Uint64) = 210000
		return nil
	case "eth_sendTransaction":
		f.sendCalls++
		if f.sendErr != nil {
			return f.sendErr
		}
		*result.(*common.Hash) = testTxHash
		return nil
	case "eth_getTransactionReceipt":
		f.receiptCalls++
		if f.neverMined {
			return nil
		}
		receiptJSON := fmt.Sprintf(
			`{"status":"0x%x","transactionHash":"%s","blockNumber":"0x2a","gasUsed":"0x7918"}`,
			f.receiptStatus, testTxHash.Hex())
		return json.Unmarshal([]byte(receiptJSON), result)
	default:
		return fmt.Errorf("unexpected method %s", method)
	}
}

func (f *fakeChain) counts() (getCode, estimates, sends, receipts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCodeCalls, f.estimateCalls, f.sendCalls, f.receiptCalls
}

func activeSnapshot(maxSpend, spent int64) session.Snapshot {
	return session.Snapshot{
		ID:        testSessionID,
		Executor:  testExecutor,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		MaxSpend:  big.NewInt(maxSpend),
		Spent:     big.NewInt(spent),
		Active:    true,
		Adapters:  []common.Address{testAdapter},
	}
}

func newTestExecutor(t *testing.T, chain *fakeChain, snapshots ...session.Snapshot) (*Executor, *ledger.MemoryRecorder) {
	t.Helper()
	reader := session.NewStaticReader()
	for _, snap := range snapshots {
		reader.Put(snap)
	}
	evaluator := policy.NewEvaluator(reader, policy.NewEstimator())
	sub := submitter.New(chain,
		submitter.WithPollInterval(2*time.Millisecond),
		submitter.WithConfirmTimeout(100*time.Millisecond),
	)
	recorder := ledger.NewMemoryRecorder(16)
	exec, err := New(Config{Target: testTarget, VerifyTargetCode: true}, evaluator, sub, chain, WithRecorder(recorder))
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return exec, recorder
}

func testPlan(t *testing.T, pullAmount, swapAmount int64) *plan.ActionPlan {
	t.Helper()
	pullPayload, err := plan.EncodePull(testAsset, big.NewInt(pullAmount))
	if err != nil {
		t.Fatalf("encode pull: %v", err)
	}
	swapPayload, err := plan.EncodeSwap(testAsset, testAssetB, big.NewInt(swapAmount), big.NewInt(1))
	if err != nil {
		t.Fatalf("encode swap: %v", err)
	}
	return &plan.ActionPlan{
		Signer:   testExecutor,
		Nonce:    7,
		Deadline: time.Now().Add(10 * time.Minute).Unix(),
		Actions: []plan.Action{
			{Kind: plan.KindPull, Adapter: testAdapter, Payload: pullPayload},
			{Kind: plan.KindSwap, Adapter: testAdapter, Payload: swapPayload},
		},
	}
}

func testRequest(t *testing.T, pullAmount, swapAmount int64) Request {
	t.Helper()
	return Request{
		SessionID: testSessionID,
		Submitter: testExecutor,
		Plan:      testPlan(t, pullAmount, swapAmount),
	}
}

func ledgerRecords(t *testing.T, recorder *ledger.MemoryRecorder) []ledger.Record {
	t.Helper()
	records, err := recorder.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	return records
}

func TestExecuteConfirmsAllowedPlan(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{receiptStatus: 1}
	exec, recorder := newTestExecutor(t, chain, activeSnapshot(1000, 0))

	result := exec.Execute(context.Background(), testRequest(t, 300, 200))
	if result.Status != OutcomeConfirmed {
		t.Fatalf("status = %s (%s: %s), want %s", result.Status, result.ErrorCode, result.ErrorMessage, OutcomeConfirmed)
	}
	if result.TransactionID != testTxHash.Hex() {
		t.Fatalf("transaction id = %s, want %s", result.TransactionID, testTxHash.Hex())
	}
	if result.ErrorCode != "" || result.ErrorMessage != "" {
		t.Fatalf("unexpected error fields: %s / %s", result.ErrorCode, result.ErrorMessage)
	}
	if result.Decision.Estimate.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("estimate = %s, want 500", result.Decision.Estimate.Amount)
	}

	records := ledgerRecords(t, recorder)
	if len(records) != 1 {
		t.Fatalf("ledger records = %d, want 1", len(records))
	}
	record := records[0]
	if record.Status != string(OutcomeConfirmed) {
		t.Fatalf("ledger status = %s, want confirmed", record.Status)
	}
	if record.SpendEstimate != "500" {
		t.Fatalf("ledger spend estimate = %s, want 500", record.SpendEstimate)
	}
	if record.TxHash != testTxHash.Hex() {
		t.Fatalf("ledger tx hash = %s", record.TxHash)
	}
	if record.ExecutionID != result.ExecutionID {
		t.Fatalf("ledger execution id = %s, want %s", record.ExecutionID, result.ExecutionID)
	}
}

func TestExecuteDeniedPlanNeverSubmits(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{receiptStatus: 1}
	exec, recorder := newTestExecutor(t, chain, activeSnapshot(100, 0))

	result := exec.Execute(context.Background(), testRequest(t, 300, 200))
	if result.Status != OutcomeDenied {
		t.Fatalf("status = %s, want %s", result.Status, OutcomeDenied)
	}
	if result.ErrorCode != string(policy.CodePolicyExceeded) {
		t.Fatalf("error code = %s, want %s", result.ErrorCode, policy.CodePolicyExceeded)
	}
	_, estimates, sends, receipts := chain.counts()
	if estimates != 0 || sends != 0 || receipts != 0 {
		t.Fatalf("submission path touched on denial: estimates=%d sends=%d receipts=%d", estimates, sends, receipts)
	}

	records := ledgerRecords(t, recorder)
	if len(records) != 1 || records[0].Status != string(OutcomeDenied) {
		t.Fatalf("ledger records = %+v, want one denied record", records)
	}
	if records[0].ErrorCode != string(policy.CodePolicyExceeded) {
		t.Fatalf("ledger error code = %s", records[0].ErrorCode)
	}
}

func TestDryRunStopsAfterPolicyAndLeavesNoTrace(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{receiptStatus: 1}
	exec, recorder := newTestExecutor(t, chain, activeSnapshot(1000, 0))

	result := exec.DryRun(context.Background(), testRequest(t, 300, 200))
	if result.Status != OutcomeAllowed {
		t.Fatalf("status = %s (%s), want %s", result.Status, result.ErrorCode, OutcomeAllowed)
	}
	if result.Decision.Estimate.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("estimate = %s, want 500", result.Decision.Estimate.Amount)
	}
	if result.TransactionID != "" {
		t.Fatalf("dry run produced a transaction id: %s", result.TransactionID)
	}

	getCode, estimates, sends, receipts := chain.counts()
	if getCode != 0 || estimates != 0 || sends != 0 || receipts != 0 {
		t.Fatalf("dry run touched the network: getCode=%d estimates=%d sends=%d receipts=%d",
			getCode, estimates, sends, receipts)
	}
	if records := ledgerRecords(t, recorder); len(records) != 0 {
		t.Fatalf("dry run wrote %d ledger records, want 0", len(records))
	}

	denied := exec.DryRun(context.Background(), testRequest(t, 900, 200))
	if denied.Status != OutcomeDenied || denied.ErrorCode != string(policy.CodePolicyExceeded) {
		t.Fatalf("denied dry run = %s (%s)", denied.Status, denied.ErrorCode)
	}
}

func TestExecuteMapsRevertToFailedWithAuditFields(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{receiptStatus: 0}
	exec, recorder := newTestExecutor(t, chain, activeSnapshot(1000, 0))

	result := exec.Execute(context.Background(), testRequest(t, 300, 200))
	if result.Status != OutcomeFailed {
		t.Fatalf("status = %s, want %s", result.Status, OutcomeFailed)
	}
	if result.ErrorCode != string(CodeExecutionReverted) {
		t.Fatalf("error code = %s, want %s", result.ErrorCode, CodeExecutionReverted)
	}
	if result.BlockNumber == nil || result.BlockNumber.Int64() != 42 {
		t.Fatalf("block number = %v, want 42", result.BlockNumber)
	}
	if result.GasUsed != 31000 {
		t.Fatalf("gas used = %d, want 31000", result.GasUsed)
	}
	records := ledgerRecords(t, recorder)
	if len(records) != 1 || records[0].ErrorCode != string(CodeExecutionReverted) {
		t.Fatalf("ledger = %+v, want one reverted record", records)
	}
}

func TestExecuteMapsTimeoutDistinctFromFailed(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{neverMined: true}
	exec, recorder := newTestExecutor(t, chain, activeSnapshot(1000, 0))

	result := exec.Execute(context.Background(), testRequest(t, 300, 200))
	if result.Status != OutcomeTimeout {
		t.Fatalf("status = %s, want %s", result.Status, OutcomeTimeout)
	}
	if result.Status == OutcomeFailed {
		t.Fatal("timeout must never be conflated with failed")
	}
	if result.ErrorCode != string(CodeConfirmationTimeout) {
		t.Fatalf("error code = %s, want %s", result.ErrorCode, CodeConfirmationTimeout)
	}
	if result.TransactionID != testTxHash.Hex() {
		t.Fatalf("transaction id = %s: ambiguous outcomes must keep the hash", result.TransactionID)
	}
	records := ledgerRecords(t, recorder)
	if len(records) != 1 || records[0].Status != string(OutcomeTimeout) {
		t.Fatalf("ledger = %+v, want one timeout record", records)
	}
}

func TestExecuteFeeEstimationFailureIsDistinctFatalClass(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{estimateErr: errors.New("execution reverted")}
	exec, recorder := newTestExecutor(t, chain, activeSnapshot(1000, 0))

	result := exec.Execute(context.Background(), testRequest(t, 300, 200))
	if result.Status != OutcomeFailed {
		t.Fatalf("status = %s, want %s", result.Status, OutcomeFailed)
	}
	if result.ErrorCode != string(submitter.CodeFeeEstimationFailed) {
		t.Fatalf("error code = %s, want %s", result.ErrorCode, submitter.CodeFeeEstimationFailed)
	}
	_, _, sends, _ := chain.counts()
	if sends != 0 {
		t.Fatalf("send calls = %d, want 0", sends)
	}
	records := ledgerRecords(t, recorder)
	if len(records) != 1 || records[0].ErrorCode != string(submitter.CodeFeeEstimationFailed) {
		t.Fatalf("ledger = %+v, want one estimation-failure record", records)
	}
}

func TestExecuteRejectsMalformedPlanBeforePolicy(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{receiptStatus: 1}
	// 空读取器:若策略先行,这里会得到 SESSION_NOT_ACTIVE 而非 PLAN_INVALID。
	exec, recorder := newTestExecutor(t, chain)

	result := exec.Execute(context.Background(), Request{
		SessionID: testSessionID,
		Submitter: testExecutor,
		Plan:      &plan.ActionPlan{Signer: testExecutor, Deadline: time.Now().Add(time.Minute).Unix()},
	})
	if result.Status != OutcomeDenied {
		t.Fatalf("status = %s, want %s", result.Status, OutcomeDenied)
	}
	if result.ErrorCode != string(plan.CodePlanInvalid) {
		t.Fatalf("error code = %s, want %s", result.ErrorCode, plan.CodePlanInvalid)
	}
	if records := ledgerRecords(t, recorder); len(records) != 1 {
		t.Fatalf("ledger records = %d, want 1", len(records))
	}
}

func TestExecuteFailsWhenTargetHasNoCode(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{codeEmpty: true, receiptStatus: 1}
	exec, _ := newTestExecutor(t, chain, activeSnapshot(1000, 0))

	result := exec.Execute(context.Background(), testRequest(t, 300, 200))
	if result.Status != OutcomeFailed {
		t.Fatalf("status = %s, want %s", result.Status, OutcomeFailed)
	}
	if result.ErrorCode != string(CodeTargetCodeMissing) {
		t.Fatalf("error code = %s, want %s", result.ErrorCode, CodeTargetCodeMissing)
	}
	_, estimates, sends, _ := chain.counts()
	if estimates != 0 || sends != 0 {
		t.Fatalf("submission path ran against a codeless target: estimates=%d sends=%d", estimates, sends)
	}
}

type erroringReader struct{ err error }

func (r erroringReader) Read(context.Context, common.Hash) (session.Snapshot, error) {
	return session.Snapshot{}, r.err
}

func TestExecuteSurfacesSessionReadFailureAsFailed(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{receiptStatus: 1}
	readErr := xerrors.New(session.CodeSessionReadFailed, "快照读取失败")
	evaluator := policy.NewEvaluator(erroringReader{err: readErr}, policy.NewEstimator())
	sub := submitter.New(chain,
		submitter.WithPollInterval(2*time.Millisecond),
		submitter.WithConfirmTimeout(100*time.Millisecond),
	)
	recorder := ledger.NewMemoryRecorder(16)
	exec, err := New(Config{Target: testTarget}, evaluator, sub, chain, WithRecorder(recorder))
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	result := exec.Execute(context.Background(), testRequest(t, 1, 1))
	if result.Status != OutcomeFailed {
		t.Fatalf("status = %s, want %s", result.Status, OutcomeFailed)
	}
	if result.ErrorCode != string(session.CodeSessionReadFailed) {
		t.Fatalf("error code = %s, want %s", result.ErrorCode, session.CodeSessionReadFailed)
	}
}

func TestExecuteWritesExactlyOneLedgerRecordPerCall(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{receiptStatus: 1}
	exec, recorder := newTestExecutor(t, chain, activeSnapshot(10000, 0))

	first := exec.Execute(context.Background(), testRequest(t, 300, 200))
	second := exec.Execute(context.Background(), testRequest(t, 100, 100))
	if first.ExecutionID == second.ExecutionID {
		t.Fatal("execution ids must be unique")
	}

	records := ledgerRecords(t, recorder)
	if len(records) != 2 {
		t.Fatalf("ledger records = %d, want 2", len(records))
	}
	// 目标合约代码检查整个进程只做一次。
	getCode, _, _, _ := chain.counts()
	if getCode != 1 {
		t.Fatalf("getCode calls = %d, want 1", getCode)
	}
}
