package policy

import (
	"context"
	"strings"
	"time"

	"OpenMCP-Fleet/internal/market"
)

// 检查项名称。
const (
	CheckSingleTxLimit   = "single_tx_limit"
	CheckDailyLimit      = "daily_limit"
	CheckPositionSize    = "position_size"
	CheckDenyList        = "deny_list"
	CheckAllowList       = "allow_list"
	CheckPriceImpact     = "price_impact"
	CheckRiskScore       = "risk_score"
	CheckDuplicateAction = "duplicate_action"
)

// 决策针对的操作类型。
const (
	KindTransfer = "transfer"
	KindSwap     = "swap"
)

// CheckResult 是单个检查项的结果。
type CheckResult struct {
	Name     string  `json:"name"`
	Passed   bool    `json:"passed"`
	Observed float64 `json:"observed"`
	Limit    float64 `json:"limit"`
	Reason   string  `json:"reason"`
}

// Decision 是一次闸门评估的结果，生成后不可修改，也不会被自动重试。
type Decision struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	ActionID  string        `json:"action_id,omitempty"`
	Kind      string        `json:"kind"`
	Amount    float64       `json:"amount"`
	Target    string        `json:"target"`
	Approved  bool          `json:"approved"`
	Checks    []CheckResult `json:"checks"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
	// Quote 是评估价格冲击时取得的报价，供执行阶段复用。
	Quote *market.Quote `json:"quote,omitempty"`
}

// Failed 返回未通过的检查项名称。
func (d Decision) Failed() []string {
	var names []string
	for _, c := range d.Checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

func verdict(checks []CheckResult) (bool, string) {
	var failed []string
	for _, c := range checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	if len(failed) == 0 {
		return true, "approved"
	}
	return false, "rejected: " + strings.Join(failed, ", ")
}

// Recorder 持久化闸门决策。
type Recorder interface {
	RecordDecision(ctx context.Context, d Decision) error
}

// DecisionObserver 统计闸门决策。
type DecisionObserver interface {
	ObserveDecision(agentID, kind string, approved bool)
}
