package events

import "time"

// Category 表示事件的分类。
type Category string

const (
	CategoryWake           Category = "wake"
	CategoryRead           Category = "read"
	CategoryObserve        Category = "observe"
	CategoryPlan           Category = "plan"
	CategoryExecute        Category = "execute"
	CategoryPolicyDecision Category = "policy_decision"
	CategoryCycleComplete  Category = "cycle_complete"
	CategoryAlert          Category = "alert"
	CategoryWarn           Category = "warn"
	CategoryError          Category = "error"
	CategoryLifecycle      Category = "lifecycle"
	CategoryTransfer       Category = "transfer"
	CategoryRecall         Category = "recall"
	CategoryDistribution   Category = "distribution"
	CategoryMission        Category = "mission"
	CategoryRiskScan       Category = "risk_scan"
	CategoryMonitor        Category = "monitor"
)

// Event 是写入事件总线的一条结构化记录。
type Event struct {
	ID        uint64         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher 是组件发布事件所需的最小接口。
type Publisher interface {
	Publish(agentID string, category Category, message string, payload map[string]any) Event
}

// Discard 丢弃所有事件，返回的事件 ID 恒为 0，供未配置总线的组件使用。
type Discard struct{}

// Publish 实现 Publisher。
func (Discard) Publish(agentID string, category Category, message string, payload map[string]any) Event {
	return Event{AgentID: agentID, Category: category, Message: message, Payload: payload, Timestamp: time.Now()}
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]any, len(payload))
	for k, v := range payload {
		cloned[k] = v
	}
	return cloned
}
