package planner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"OpenMCP-Fleet/internal/directive"
	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/knowledge"
	"OpenMCP-Fleet/internal/llm"
)

// LLM 通过大模型提出动作，并把回复解析为强类型动作。
type LLM struct {
	client   llm.Client
	playbook knowledge.Provider
}

// LLMOption 定义大模型 planner 的可选配置。
type LLMOption func(*LLM)

// WithPlaybook 在提示词中附带与任务相关的操作手册条目。
func WithPlaybook(p knowledge.Provider) LLMOption {
	return func(l *LLM) { l.playbook = p }
}

// NewLLM 创建基于大模型的 planner。
func NewLLM(client llm.Client, opts ...LLMOption) *LLM {
	l := &LLM{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Name 实现 Planner。
func (*LLM) Name() string { return "llm" }

func (p *LLM) notes(mission, role string) []llm.Note {
	if p.playbook == nil {
		return nil
	}
	snippets := p.playbook.Query(mission, role)
	notes := make([]llm.Note, 0, len(snippets))
	for _, s := range snippets {
		notes = append(notes, llm.Note{Title: s.Title, Content: s.Content})
	}
	return notes
}

// Propose 实现 Planner。未知的动作类型会让整个提案失败。
func (p *LLM) Propose(ctx context.Context, obs Observation, d directive.Set) ([]Action, error) {
	if p.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "大模型客户端未配置")
	}
	history := make([]llm.HistoryEntry, 0, len(obs.Recent))
	for _, c := range obs.Recent {
		history = append(history, llm.HistoryEntry{Cycle: c.Cycle, Decision: c.Decision, Summary: c.Summary})
	}
	resp, err := p.client.Generate(ctx, llm.Request{
		AgentID:    obs.AgentID,
		Role:       obs.Role,
		Cycle:      obs.Cycle,
		Mission:    d.Mission(),
		Balance:    obs.Balance,
		Assets:     obs.Assets,
		Prices:     obs.Prices,
		Directives: d.Raw(),
		Peers:      obs.Peers,
		History:    history,
		Playbook:   p.notes(d.Mission(), obs.Role),
	})
	if err != nil {
		return nil, err
	}

	actions := make([]Action, 0, len(resp.Actions))
	for i, spec := range resp.Actions {
		action, err := FromSpec(spec, obs.AgentID)
		if err != nil {
			return nil, fmt.Errorf("第 %d 个动作无效: %w", i+1, err)
		}
		actions = append(actions, action)
	}
	if len(actions) == 0 {
		actions = append(actions, NewMonitor(obs.AgentID, strings.TrimSpace(resp.Thought)))
	}
	return actions, nil
}

// FromSpec 把原始动作描述转换为强类型动作，目标为空时归属 self。
func FromSpec(spec llm.ActionSpec, self string) (Action, error) {
	target := strings.TrimSpace(spec.TargetAgent)
	if target == "" {
		target = self
	}
	params := spec.Params

	switch Kind(strings.ToLower(strings.TrimSpace(spec.Type))) {
	case KindMonitor:
		return NewMonitor(target, stringParam(params, "note")), nil
	case KindRequestRiskScan:
		asset := strings.ToUpper(stringParam(params, "asset"))
		if asset == "" {
			return nil, xerrors.ConfigError("request_risk_scan 缺少 asset")
		}
		return NewRequestRiskScan(target, asset), nil
	case KindTransfer:
		to := stringParam(params, "to")
		amount, ok := floatParam(params, "amount")
		if to == "" || !ok || amount <= 0 {
			return nil, xerrors.ConfigError("transfer 需要 to 与正数 amount")
		}
		return NewTransfer(target, to, amount), nil
	case KindSwap:
		from := strings.ToUpper(stringParam(params, "from_asset"))
		to := strings.ToUpper(stringParam(params, "to_asset"))
		amount, ok := floatParam(params, "amount")
		if from == "" || to == "" || !ok || amount <= 0 {
			return nil, xerrors.ConfigError("swap 需要 from_asset、to_asset 与正数 amount")
		}
		// 价格冲击只由报价服务给出，忽略模型输出中的 price_impact_pct。
		return NewSwap(target, from, to, amount), nil
	case KindAlert:
		return NewAlert(target, stringParam(params, "message"), stringParam(params, "severity")), nil
	default:
		return nil, xerrors.ConfigError("未知的动作类型 %q", spec.Type)
	}
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func sortedAssets(assets map[string]float64) []string {
	names := make([]string, 0, len(assets))
	for name := range assets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
