package intake

import (
	"bytes"
	"math/big"
	"testing"
	"time"

	xerrors "Blossom-Exec/internal/errors"
	"Blossom-Exec/internal/plan"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	testSessionID = common.HexToHash("0x5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a")
	testSubmitter = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	testAdapter   = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	testAsset     = common.HexToAddress("0x00000000000000000000000000000000000000a0")
)

func testEnvelope(t *testing.T, nonce uint64) Envelope {
	t.Helper()
	payload, err := plan.EncodePull(testAsset, big.NewInt(500))
	if err != nil {
		t.Fatalf("encode pull: %v", err)
	}
	return Envelope{
		RequestID: "req-1",
		SessionID: testSessionID,
		Submitter: testSubmitter,
		GasLimit:  300_000,
		Plan: PlanEnvelope{
			Signer:   testSubmitter,
			Nonce:    nonce,
			Deadline: time.Now().Add(10 * time.Minute).Unix(),
			Actions: []ActionEnvelope{
				{Kind: string(plan.KindPull), Adapter: testAdapter, Payload: hexutil.Bytes(payload)},
			},
		},
	}
}

func TestEnvelopeRoundTripPreservesAllFields(t *testing.T) {
	t.Parallel()

	env := testEnvelope(t, 7)
	env.DryRun = true

	raw, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	decoded, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}

	if decoded.RequestID != env.RequestID {
		t.Fatalf("request id = %q, want %q", decoded.RequestID, env.RequestID)
	}
	if decoded.SessionID != env.SessionID {
		t.Fatalf("session id = %s, want %s", decoded.SessionID, env.SessionID)
	}
	if decoded.Submitter != env.Submitter {
		t.Fatalf("submitter = %s, want %s", decoded.Submitter, env.Submitter)
	}
	if !decoded.DryRun {
		t.Fatal("dry-run flag lost in transit")
	}
	if decoded.GasLimit != env.GasLimit {
		t.Fatalf("gas limit = %d, want %d", decoded.GasLimit, env.GasLimit)
	}
	if decoded.Plan.Nonce != env.Plan.Nonce || decoded.Plan.Deadline != env.Plan.Deadline {
		t.Fatalf("plan header = %d/%d, want %d/%d",
			decoded.Plan.Nonce, decoded.Plan.Deadline, env.Plan.Nonce, env.Plan.Deadline)
	}
	if len(decoded.Plan.Actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(decoded.Plan.Actions))
	}
	got := decoded.Plan.Actions[0]
	want := env.Plan.Actions[0]
	if got.Kind != want.Kind || got.Adapter != want.Adapter || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("action mismatch: %+v vs %+v", got, want)
	}
}

func TestDecodeEnvelopeRejectsMalformedPayloads(t *testing.T) {
	t.Parallel()

	valid := testEnvelope(t, 1)

	cases := []struct {
		name   string
		mutate func(env *Envelope)
		raw    []byte
	}{
		{name: "not json", raw: []byte("definitely not json")},
		{name: "missing session", mutate: func(env *Envelope) { env.SessionID = common.Hash{} }},
		{name: "missing submitter", mutate: func(env *Envelope) { env.Submitter = common.Address{} }},
		{name: "no actions", mutate: func(env *Envelope) { env.Plan.Actions = nil }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			raw := tc.raw
			if raw == nil {
				env := valid
				env.Plan.Actions = append([]ActionEnvelope(nil), valid.Plan.Actions...)
				tc.mutate(&env)
				var err error
				raw, err = EncodeEnvelope(env)
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
			}
			_, err := DecodeEnvelope(raw)
			if err == nil {
				t.Fatal("expected decode error")
			}
			if xerrors.CodeOf(err) != CodeEnvelopeMalformed {
				t.Fatalf("code = %s, want %s", xerrors.CodeOf(err), CodeEnvelopeMalformed)
			}
		})
	}
}

func TestEnvelopeToRequestRestoresPlan(t *testing.T) {
	t.Parallel()

	env := testEnvelope(t, 9)
	req := env.ToRequest()

	if req.SessionID != env.SessionID || req.Submitter != env.Submitter {
		t.Fatalf("identity mismatch: %s/%s", req.SessionID, req.Submitter)
	}
	if req.GasLimit != env.GasLimit {
		t.Fatalf("gas limit = %d, want %d", req.GasLimit, env.GasLimit)
	}
	if req.Plan == nil {
		t.Fatal("plan missing")
	}
	if req.Plan.Signer != env.Plan.Signer || req.Plan.Nonce != 9 {
		t.Fatalf("plan header mismatch: %s/%d", req.Plan.Signer, req.Plan.Nonce)
	}
	if len(req.Plan.Actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(req.Plan.Actions))
	}
	action := req.Plan.Actions[0]
	if action.Kind != plan.KindPull || action.Adapter != testAdapter {
		t.Fatalf("action mismatch: %s/%s", action.Kind, action.Adapter)
	}
	if !bytes.Equal(action.Payload, env.Plan.Actions[0].Payload) {
		t.Fatal("payload mismatch")
	}
}

func TestDedupKeyIdentifiesSessionAndNonce(t *testing.T) {
	t.Parallel()

	first := testEnvelope(t, 3)
	same := testEnvelope(t, 3)
	same.RequestID = "req-other"
	other := testEnvelope(t, 4)

	if first.DedupKey() != same.DedupKey() {
		t.Fatalf("same business identity produced different keys: %s vs %s",
			first.DedupKey(), same.DedupKey())
	}
	if first.DedupKey() == other.DedupKey() {
		t.Fatalf("different nonces share key %s", first.DedupKey())
	}
}
