package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/planner"
	"OpenMCP-Fleet/internal/policy"
)

// recentWindow 是传给 planner 的最近周期数量。
const recentWindow = 5

// runCycle 依次执行 wake -> read -> observe -> plan -> execute -> sleep。
func (s *Scheduler) runCycle(ctx context.Context) Cycle {
	agent := s.cfg.AgentID
	pub := s.deps.Publisher
	c := Cycle{Seq: s.nextSeq(), AgentID: agent, StartedAt: s.clock.Now()}

	pub.Publish(agent, events.CategoryWake, "周期开始", map[string]any{"seq": c.Seq})

	set, err := s.deps.Directives.Load(ctx)
	if err != nil {
		return s.fail(ctx, c, "read", err)
	}
	c.DirectiveVersion = set.Version()
	pub.Publish(agent, events.CategoryRead, "已读取指令", map[string]any{
		"seq":     c.Seq,
		"version": set.Version(),
		"keys":    len(set.Keys()),
	})

	if set.EmergencyStop() {
		pub.Publish(agent, events.CategoryAlert, "收到紧急停止指令，智能体停止", map[string]any{"seq": c.Seq})
		s.Stop()
		if s.onEmergencyStop != nil {
			s.onEmergencyStop(agent)
		}
		c.Decision = DecisionAlert
		c.Error = errEmergencyStop.Error()
		return s.seal(ctx, c)
	}

	obs, err := s.observe(ctx, c.Seq)
	if err != nil {
		return s.fail(ctx, c, "observe", err)
	}
	c.Balance = obs.Balance
	pub.Publish(agent, events.CategoryObserve, "已获取链上状态", map[string]any{
		"seq":     c.Seq,
		"balance": obs.Balance,
		"assets":  len(obs.Assets),
		"prices":  len(obs.Prices),
	})

	actions, err := s.deps.Planner.Propose(ctx, obs, set)
	if err != nil {
		return s.fail(ctx, c, "plan", err)
	}
	kinds := make([]string, 0, len(actions))
	for _, a := range actions {
		kinds = append(kinds, string(a.Kind()))
	}
	pub.Publish(agent, events.CategoryPlan, "已生成动作", map[string]any{
		"seq":     c.Seq,
		"planner": s.deps.Planner.Name(),
		"actions": strings.Join(kinds, ","),
	})

	c.Decision = DecisionSleep
	for _, action := range actions {
		outcome, signingFailed := s.execute(ctx, c.Seq, action, obs)
		c.Actions = append(c.Actions, outcome)
		switch {
		case signingFailed:
			c.Decision = DecisionAlert
		case action.Kind() != planner.KindMonitor && c.Decision == DecisionSleep:
			c.Decision = DecisionAct
		}
	}
	return s.seal(ctx, c)
}

func (s *Scheduler) observe(ctx context.Context, seq int) (planner.Observation, error) {
	obs := planner.Observation{
		AgentID:     s.cfg.AgentID,
		Role:        s.cfg.Role,
		Cycle:       seq,
		NativeAsset: s.cfg.NativeAsset,
		Assets:      map[string]float64{},
	}
	balance, err := s.deps.Wallet.Balance(ctx)
	if err != nil {
		return obs, err
	}
	obs.Balance = balance

	for _, asset := range s.cfg.Assets {
		if strings.EqualFold(asset, s.cfg.NativeAsset) {
			continue
		}
		amount, err := s.deps.Wallet.AssetBalance(ctx, asset)
		if err != nil {
			return obs, err
		}
		obs.Assets[strings.ToUpper(asset)] = amount
	}

	if s.deps.Prices != nil {
		tracked := append([]string{s.cfg.NativeAsset}, s.cfg.Assets...)
		prices, err := s.deps.Prices.Prices(ctx, tracked)
		if err != nil {
			// 价格只作参考，失败时降级为空价格表。
			s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryWarn, "价格源不可用，本周期不带价格", map[string]any{
				"seq":   seq,
				"error": err.Error(),
			})
		} else {
			obs.Prices = prices
		}
	}

	if s.peers != nil {
		for _, peer := range s.peers() {
			if peer != s.cfg.AgentID {
				obs.Peers = append(obs.Peers, peer)
			}
		}
		sort.Strings(obs.Peers)
	}

	s.mu.Lock()
	start := len(s.history) - recentWindow
	if start < 0 {
		start = 0
	}
	for _, past := range s.history[start:] {
		obs.Recent = append(obs.Recent, planner.CycleSummary{
			Cycle:    past.Seq,
			Decision: string(past.Decision),
			Summary:  summarize(past),
		})
	}
	s.mu.Unlock()
	return obs, nil
}

func summarize(c Cycle) string {
	if c.Error != "" {
		return c.Error
	}
	parts := make([]string, 0, len(c.Actions))
	for _, a := range c.Actions {
		parts = append(parts, a.Summary+":"+a.Status)
	}
	return strings.Join(parts, "; ")
}

// execute 处理单个动作，返回结果以及是否发生签名失败。
func (s *Scheduler) execute(ctx context.Context, seq int, action planner.Action, obs planner.Observation) (ActionOutcome, bool) {
	agent := s.cfg.AgentID
	pub := s.deps.Publisher
	out := ActionOutcome{ActionID: action.ID(), Kind: string(action.Kind()), Summary: action.String()}

	if target := action.Target(); target != "" && target != agent {
		out.Status = OutcomeSkipped
		out.Reason = fmt.Sprintf("动作属于智能体 %s", target)
		pub.Publish(agent, events.CategoryWarn, "忽略其他智能体的动作", map[string]any{"seq": seq, "action": action.String(), "target": target})
		return out, false
	}

	pub.Publish(agent, events.CategoryExecute, "执行动作", map[string]any{"seq": seq, "action_id": action.ID(), "action": action.String()})

	switch a := action.(type) {
	case planner.Monitor:
		pub.Publish(agent, events.CategoryMonitor, a.Note, map[string]any{"seq": seq, "balance": obs.Balance})
		out.Status = OutcomeExecuted
		return out, false

	case planner.Alert:
		pub.Publish(agent, events.CategoryAlert, a.Message, map[string]any{"seq": seq, "severity": a.Severity})
		out.Status = OutcomeExecuted
		return out, false

	case planner.RequestRiskScan:
		return s.riskScan(ctx, seq, a, out), false

	case planner.Transfer:
		return s.transfer(ctx, seq, a, obs, out)

	case planner.Swap:
		return s.swap(ctx, seq, a, obs, out)
	}

	out.Status = OutcomeSkipped
	out.Reason = "未知动作类型"
	return out, false
}

func (s *Scheduler) riskScan(ctx context.Context, seq int, a planner.RequestRiskScan, out ActionOutcome) ActionOutcome {
	if s.deps.Risk == nil {
		out.Status = OutcomeFailed
		out.Reason = "未配置风控预言机"
		return out
	}
	assessment, err := s.deps.Risk.Assess(ctx, a.Asset)
	if err != nil {
		out.Status = OutcomeFailed
		out.Reason = err.Error()
		s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryWarn, "风控预言机不可用", map[string]any{
			"seq":   seq,
			"asset": a.Asset,
			"error": err.Error(),
		})
		return out
	}
	s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryRiskScan, "风险评估完成", map[string]any{
		"seq":            seq,
		"asset":          assessment.Asset,
		"score":          assessment.Score,
		"classification": assessment.Classification,
	})
	out.Status = OutcomeExecuted
	return out
}

func (s *Scheduler) transfer(ctx context.Context, seq int, a planner.Transfer, obs planner.Observation, out ActionOutcome) (ActionOutcome, bool) {
	if !common.IsHexAddress(a.To) {
		out.Status = OutcomeFailed
		out.Reason = xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的收款地址 %q", a.To)).Error()
		s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryWarn, "转账目标不是合法地址", map[string]any{"seq": seq, "to": a.To})
		return out, false
	}

	decision := s.deps.Gate.EvaluateTransfer(ctx, policy.TransferRequest{
		ActionID:    a.ID(),
		Amount:      a.Amount,
		FromBalance: obs.Balance,
		To:          a.To,
	})
	out.DecisionID = decision.ID
	if !decision.Approved {
		out.Status = OutcomeRejected
		out.Reason = decision.Reason
		return out, false
	}

	hash, err := s.deps.Wallet.Transfer(ctx, a.To, a.Amount)
	if err != nil {
		return s.executionFailed(seq, out, err)
	}
	out.Status = OutcomeExecuted
	out.TxHash = hash
	s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryTransfer, "转账已广播", map[string]any{
		"seq":         seq,
		"to":          a.To,
		"amount":      a.Amount,
		"tx_hash":     hash,
		"decision_id": decision.ID,
	})
	if s.observer != nil {
		s.observer.ObserveTransfer(s.cfg.AgentID, "success")
	}
	return out, false
}

func (s *Scheduler) swap(ctx context.Context, seq int, a planner.Swap, obs planner.Observation, out ActionOutcome) (ActionOutcome, bool) {
	fromBalance := obs.Balance
	if !strings.EqualFold(a.FromAsset, s.cfg.NativeAsset) {
		fromBalance = obs.Assets[strings.ToUpper(a.FromAsset)]
	}

	decision := s.deps.Gate.EvaluateSwap(ctx, policy.SwapRequest{
		ActionID:       a.ID(),
		Amount:         a.Amount,
		FromBalance:    fromBalance,
		FromAsset:      a.FromAsset,
		TargetAsset:    a.ToAsset,
		PriceImpactPct: a.PriceImpactPct,
	})
	out.DecisionID = decision.ID
	if !decision.Approved {
		out.Status = OutcomeRejected
		out.Reason = decision.Reason
		return out, false
	}
	if s.deps.Quotes == nil {
		out.Status = OutcomeFailed
		out.Reason = "未配置报价服务"
		return out, false
	}

	quote := decision.Quote
	if quote == nil {
		fresh, err := s.deps.Quotes.Quote(ctx, a.FromAsset, a.ToAsset, a.Amount)
		if err != nil {
			out.Status = OutcomeFailed
			out.Reason = err.Error()
			s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryWarn, "审批后获取报价失败", map[string]any{"seq": seq, "error": err.Error()})
			return out, false
		}
		// 闸门使用了预先给出的价格冲击，实际执行的报价仍需满足同一上限。
		if limit := s.deps.Gate.Rules().MaxPriceImpactPct; fresh.PriceImpactPct > limit {
			out.Status = OutcomeRejected
			out.Reason = fmt.Sprintf("rejected: %s (执行报价 %g%% 超过上限 %g%%)", policy.CheckPriceImpact, fresh.PriceImpactPct, limit)
			s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryWarn, "执行报价的价格冲击超过上限", map[string]any{
				"seq":              seq,
				"action_id":        a.ID(),
				"decision_id":      decision.ID,
				"price_impact_pct": fresh.PriceImpactPct,
				"limit":            limit,
			})
			return out, false
		}
		quote = &fresh
	}

	hash, err := s.deps.Quotes.Execute(ctx, s.deps.Wallet, *quote)
	if err != nil {
		return s.executionFailed(seq, out, err)
	}
	out.Status = OutcomeExecuted
	out.TxHash = hash
	s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryTransfer, "兑换已广播", map[string]any{
		"seq":         seq,
		"from_asset":  a.FromAsset,
		"to_asset":    a.ToAsset,
		"amount":      a.Amount,
		"tx_hash":     hash,
		"decision_id": decision.ID,
	})
	if s.observer != nil {
		s.observer.ObserveTransfer(s.cfg.AgentID, "success")
	}
	return out, false
}

// executionFailed 处理审批通过后的执行失败。签名失败会触发告警，且不会自动重试。
func (s *Scheduler) executionFailed(seq int, out ActionOutcome, err error) (ActionOutcome, bool) {
	out.Status = OutcomeFailed
	out.Reason = err.Error()
	if s.observer != nil {
		s.observer.ObserveTransfer(s.cfg.AgentID, "failed")
	}
	if !xerrors.HasCode(err, xerrors.CodeSigningFailed) {
		s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryWarn, "执行失败", map[string]any{
			"seq":       seq,
			"action_id": out.ActionID,
			"error":     err.Error(),
		})
		return out, false
	}
	s.deps.Publisher.Publish(s.cfg.AgentID, events.CategoryError, "签名或广播失败", map[string]any{
		"seq":         seq,
		"action_id":   out.ActionID,
		"decision_id": out.DecisionID,
		"error":       err.Error(),
	})
	if s.onSigningError != nil {
		s.onSigningError(s.cfg.AgentID, err)
	}
	return out, true
}
