package intake

import (
	"encoding/json"
	"fmt"

	xerrors "Blossom-Exec/internal/errors"
	"Blossom-Exec/internal/executor"
	"Blossom-Exec/internal/plan"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CodeEnvelopeMalformed 表示信封无法解码或缺少必填字段。畸形信封不会
// 重投:重复消费一条永远解不开的消息只会毒化队列。
const CodeEnvelopeMalformed xerrors.Code = "INTAKE_ENVELOPE_MALFORMED"

func init() {
	xerrors.Register(CodeEnvelopeMalformed, xerrors.Attributes{
		Message:  "执行信封格式非法",
		Severity: xerrors.SeverityWarning,
	})
}

// ActionEnvelope 是动作在信封里的线上形态,负载以十六进制编码。
type ActionEnvelope struct {
	Kind    string         `json:"kind"`
	Adapter common.Address `json:"adapter"`
	Payload hexutil.Bytes  `json:"payload"`
}

// PlanEnvelope 是计划在信封里的线上形态。
type PlanEnvelope struct {
	Signer   common.Address   `json:"signer"`
	Nonce    uint64           `json:"nonce"`
	Deadline int64            `json:"deadline"`
	Actions  []ActionEnvelope `json:"actions"`
}

// Envelope 是一次执行请求的自含线上形态:队列里流动的就是它的 JSON。
// RequestID 由上游生成,留空时处理器会补一个。
type Envelope struct {
	RequestID string         `json:"request_id,omitempty"`
	SessionID common.Hash    `json:"session_id"`
	Submitter common.Address `json:"submitter"`
	DryRun    bool           `json:"dry_run,omitempty"`
	GasLimit  uint64         `json:"gas_limit,omitempty"`
	Plan      PlanEnvelope   `json:"plan"`
}

// DecodeEnvelope 解析并校验一条信封负载。
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, xerrors.Wrap(CodeEnvelopeMalformed, err, "解析执行信封失败")
	}
	if env.SessionID == (common.Hash{}) {
		return Envelope{}, xerrors.New(CodeEnvelopeMalformed, "信封缺少会话标识")
	}
	if env.Submitter == (common.Address{}) {
		return Envelope{}, xerrors.New(CodeEnvelopeMalformed, "信封缺少提交者地址")
	}
	if len(env.Plan.Actions) == 0 {
		return Envelope{}, xerrors.New(CodeEnvelopeMalformed, "信封不包含任何动作")
	}
	return env, nil
}

// EncodeEnvelope 把信封序列化成队列负载。
func EncodeEnvelope(env Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, xerrors.Wrap(CodeEnvelopeMalformed, err, "序列化执行信封失败")
	}
	return payload, nil
}

// ToRequest 把信封还原成编排层请求。
func (e Envelope) ToRequest() executor.Request {
	actions := make([]plan.Action, 0, len(e.Plan.Actions))
	for _, action := range e.Plan.Actions {
		actions = append(actions, plan.Action{
			Kind:    plan.Kind(action.Kind),
			Adapter: action.Adapter,
			Payload: action.Payload,
		})
	}
	return executor.Request{
		SessionID: e.SessionID,
		Submitter: e.Submitter,
		GasLimit:  e.GasLimit,
		Plan: &plan.ActionPlan{
			Signer:   e.Plan.Signer,
			Nonce:    e.Plan.Nonce,
			Deadline: e.Plan.Deadline,
			Actions:  actions,
		},
	}
}

// DedupKey 标识一次执行的业务身份:同一会话内的同一 nonce 只应有一个
// 在途执行。
func (e Envelope) DedupKey() string {
	return fmt.Sprintf("%s#%d", e.SessionID.Hex(), e.Plan.Nonce)
}
