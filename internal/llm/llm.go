package llm

import "context"

// Request 描述发送给大模型的周期上下文。
type Request struct {
	AgentID    string
	Role       string
	Cycle      int
	Mission    string
	Balance    float64
	Assets     map[string]float64
	Prices     map[string]float64
	Directives map[string]string
	Peers      []string
	History    []HistoryEntry
	Playbook   []Note
}

// Note 是操作手册中与本周期相关的一条经验。
type Note struct {
	Title   string
	Content string
}

// HistoryEntry 是最近周期的摘要，为大模型提供上下文记忆。
type HistoryEntry struct {
	Cycle    int
	Decision string
	Summary  string
}

// ActionSpec 是大模型给出的原始动作描述，由 planner 转换为强类型动作。
type ActionSpec struct {
	Type        string         `json:"type"`
	TargetAgent string         `json:"target_agent,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Actions []ActionSpec
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
