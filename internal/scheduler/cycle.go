package scheduler

import "time"

// Decision 是周期结束时的结论标签。
type Decision string

const (
	DecisionAct   Decision = "act"
	DecisionSleep Decision = "sleep"
	DecisionAlert Decision = "alert"
)

// 单个动作的执行结果。
const (
	OutcomeExecuted = "executed"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

// ActionOutcome 记录一个动作在 EXECUTE 阶段的结果。
type ActionOutcome struct {
	ActionID   string `json:"action_id"`
	Kind       string `json:"kind"`
	Summary    string `json:"summary"`
	Status     string `json:"status"`
	DecisionID string `json:"decision_id,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Cycle 是一次心跳周期的完整记录，封存后不再修改。
type Cycle struct {
	Seq              int             `json:"seq"`
	AgentID          string          `json:"agent_id"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          time.Time       `json:"ended_at"`
	Duration         time.Duration   `json:"duration"`
	Decision         Decision        `json:"decision"`
	DirectiveVersion int64           `json:"directive_version"`
	Balance          float64         `json:"balance"`
	Actions          []ActionOutcome `json:"actions,omitempty"`
	Error            string          `json:"error,omitempty"`
}

func (c Cycle) clone() Cycle {
	out := c
	if c.Actions != nil {
		out.Actions = make([]ActionOutcome, len(c.Actions))
		copy(out.Actions, c.Actions)
	}
	return out
}
