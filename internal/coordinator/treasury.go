package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
)

// 划转状态。
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// TransferOutcome 记录一次金库相关的划转。
type TransferOutcome struct {
	AgentID string  `json:"agent_id"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Amount  float64 `json:"amount"`
	Status  string  `json:"status"`
	TxHash  string  `json:"tx_hash,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// SackReport 描述解雇流程中各步骤的结果。召回失败不会阻止移除。
type SackReport struct {
	AgentID     string           `json:"agent_id"`
	Recall      *TransferOutcome `json:"recall,omitempty"`
	RecallError string           `json:"recall_error,omitempty"`
	Removed     bool             `json:"removed"`
}

// DistributionStrategy 决定分配权重的计算方式。
type DistributionStrategy string

const (
	// DistributeEqual 在所有非保护智能体之间平均分配。
	DistributeEqual DistributionStrategy = "equal"
	// DistributeByRole 使用配置中的角色权重表。
	DistributeByRole DistributionStrategy = "role"
	// DistributeByDirective 使用指令中 allocation.<id> 的百分比，缺失时退回 allocation.<role>。
	DistributeByDirective DistributionStrategy = "directive"
)

// ParseDistributionStrategy 解析分配策略，空字符串视为 equal。
func ParseDistributionStrategy(text string) (DistributionStrategy, error) {
	switch DistributionStrategy(strings.ToLower(strings.TrimSpace(text))) {
	case "", DistributeEqual:
		return DistributeEqual, nil
	case DistributeByRole:
		return DistributeByRole, nil
	case DistributeByDirective:
		return DistributeByDirective, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的分配策略 %q", text))
	}
}

// Allocation 是单个智能体的分配结果。
type Allocation struct {
	AgentID string  `json:"agent_id"`
	Weight  float64 `json:"weight"`
	Amount  float64 `json:"amount"`
	Status  string  `json:"status"`
	TxHash  string  `json:"tx_hash,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// DistributionReport 汇总一次分配，调用方据此区分部分成功与全部成功。
type DistributionReport struct {
	Strategy      DistributionStrategy `json:"strategy"`
	VaultBalance  float64              `json:"vault_balance"`
	Distributable float64              `json:"distributable"`
	Allocations   []Allocation         `json:"allocations"`
	Succeeded     []string             `json:"succeeded"`
	Failed        map[string]string    `json:"failed,omitempty"`
	Skipped       []string             `json:"skipped,omitempty"`
	Total         float64              `json:"total"`
}

// RecallFunds 把 balance - gasReserve 划回金库。金额不超过粉尘阈值时不发起划转。
func (c *Coordinator) RecallFunds(ctx context.Context, id string) (TransferOutcome, error) {
	if c.IsProtected(id) {
		return TransferOutcome{}, xerrors.New(CodeAgentProtected, "不能从受保护的智能体召回资金: "+id)
	}
	e, ok := c.lookup(id)
	if !ok {
		return TransferOutcome{}, xerrors.New(CodeAgentNotFound, "未找到智能体: "+id)
	}

	out := TransferOutcome{AgentID: id, From: e.wallet.Address(), To: c.deps.Vault.Address()}
	balance, err := e.wallet.Balance(ctx)
	if err != nil {
		c.deps.Publisher.Publish(id, events.CategoryError, "召回前读取余额失败", map[string]any{"error": err.Error()})
		return out, err
	}

	amount := floorTo(balance-c.cfg.GasReserve, c.cfg.Precision)
	if amount <= c.cfg.DustThreshold {
		c.deps.Publisher.Publish(id, events.CategoryWarn, "余额不足，跳过召回", map[string]any{
			"balance":     balance,
			"gas_reserve": c.cfg.GasReserve,
			"dust":        c.cfg.DustThreshold,
		})
		return out, xerrors.New(CodeInsufficientBalance,
			fmt.Sprintf("余额 %g 扣除 gas 预留 %g 后低于粉尘阈值 %g", balance, c.cfg.GasReserve, c.cfg.DustThreshold))
	}

	out.Amount = amount
	hash, err := e.wallet.Transfer(ctx, out.To, amount)
	if err != nil {
		out.Status = StatusFailed
		out.Error = err.Error()
		c.transferFailed(id, "召回失败", err)
		return out, err
	}
	out.Status = StatusSent
	out.TxHash = hash
	c.observeTransfer(id, "recall")
	c.deps.Publisher.Publish(id, events.CategoryRecall, "资金已召回金库", map[string]any{
		"amount":  amount,
		"to":      out.To,
		"tx_hash": hash,
	})
	return out, nil
}

// SackAgent 召回资金、停止调度器与策略后移除智能体。受保护的 id 直接失败且不触碰钱包。
func (c *Coordinator) SackAgent(ctx context.Context, id string) (SackReport, error) {
	if c.IsProtected(id) {
		return SackReport{AgentID: id}, xerrors.New(CodeAgentProtected, "受保护的智能体不能被移除: "+id)
	}
	e, ok := c.lookup(id)
	if !ok {
		return SackReport{AgentID: id}, xerrors.New(CodeAgentNotFound, "未找到智能体: "+id)
	}

	report := SackReport{AgentID: id}
	recall, err := c.RecallFunds(ctx, id)
	if err != nil {
		report.RecallError = err.Error()
		c.log.Warn("解雇时召回失败，继续移除", slog.String("agent_id", id), slog.Any("error", err))
	}
	if recall.Status != "" {
		report.Recall = &recall
	}

	e.sched.Stop()
	c.mu.Lock()
	strategy := e.strategy
	e.state = StateRemoved
	delete(c.agents, id)
	c.mu.Unlock()
	if strategy != nil {
		strategy.Stop()
	}

	report.Removed = true
	c.deps.Publisher.Publish(id, events.CategoryLifecycle, "智能体已移除", map[string]any{
		"recall_error": report.RecallError,
	})
	return report, nil
}

type recipient struct {
	id      string
	role    string
	address string
}

// DistributeCapital 把 vaultBalance - reserve 按权重分给非保护智能体。
// 单个智能体失败不会中断其余分配。
func (c *Coordinator) DistributeCapital(ctx context.Context, strategy DistributionStrategy) (DistributionReport, error) {
	report := DistributionReport{Strategy: strategy, Failed: map[string]string{}}

	vaultBalance, err := c.deps.Vault.Balance(ctx)
	if err != nil {
		return report, err
	}
	report.VaultBalance = vaultBalance
	distributable := floorTo(vaultBalance-c.cfg.VaultReserve, c.cfg.Precision)
	report.Distributable = math.Max(distributable, 0)
	if distributable <= 0 || distributable < c.cfg.MinDistributable {
		return report, xerrors.New(CodeDistributionBelowMinimum,
			fmt.Sprintf("可分配金额 %g 低于下限 %g", distributable, c.cfg.MinDistributable))
	}

	recipients := c.recipients()
	if len(recipients) == 0 {
		return report, nil
	}
	weights, err := c.weights(ctx, strategy, recipients)
	if err != nil {
		return report, err
	}

	for _, r := range recipients {
		weight := weights[r.id]
		alloc := Allocation{AgentID: r.id, Weight: weight, Amount: floorTo(distributable*weight, c.cfg.Precision)}
		if alloc.Amount <= 0 || alloc.Amount < c.cfg.DustThreshold {
			alloc.Status = StatusSkipped
			report.Skipped = append(report.Skipped, r.id)
			report.Allocations = append(report.Allocations, alloc)
			continue
		}

		hash, err := c.deps.Vault.Transfer(ctx, r.address, alloc.Amount)
		if err != nil {
			alloc.Status = StatusFailed
			alloc.Error = err.Error()
			report.Failed[r.id] = err.Error()
			c.transferFailed(r.id, "分配失败", err)
		} else {
			alloc.Status = StatusSent
			alloc.TxHash = hash
			report.Succeeded = append(report.Succeeded, r.id)
			report.Total += alloc.Amount
			c.observeTransfer(r.id, "distribution")
		}
		report.Allocations = append(report.Allocations, alloc)
	}
	report.Total = floorTo(report.Total, c.cfg.Precision)

	c.deps.Publisher.Publish(c.cfg.VaultID, events.CategoryDistribution, "资金分配完成", map[string]any{
		"strategy":      string(strategy),
		"distributable": distributable,
		"total":         report.Total,
		"succeeded":     len(report.Succeeded),
		"failed":        len(report.Failed),
		"skipped":       len(report.Skipped),
	})
	return report, nil
}

func (c *Coordinator) recipients() []recipient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]recipient, 0, len(c.agents))
	for id, e := range c.agents {
		if c.IsProtected(id) {
			continue
		}
		out = append(out, recipient{id: id, role: e.role, address: e.wallet.Address()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// weights 计算各智能体的权重，权重之和超过 1 时按比例缩放。
func (c *Coordinator) weights(ctx context.Context, strategy DistributionStrategy, recipients []recipient) (map[string]float64, error) {
	out := make(map[string]float64, len(recipients))
	switch strategy {
	case "", DistributeEqual:
		for _, r := range recipients {
			out[r.id] = 1 / float64(len(recipients))
		}
		return out, nil
	case DistributeByRole:
		for _, r := range recipients {
			out[r.id] = c.cfg.RoleWeights[r.role]
		}
	case DistributeByDirective:
		set, err := c.deps.Directives.Load(ctx)
		if err != nil {
			return nil, err
		}
		allocations := set.Allocations()
		for _, r := range recipients {
			pct, ok := allocations[r.id]
			if !ok {
				pct = allocations[r.role]
			}
			out[r.id] = pct / 100
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的分配策略 %q", strategy))
	}

	sum := 0.0
	for id, w := range out {
		if w < 0 {
			return nil, xerrors.ConfigError("智能体 %s 的权重 %g 为负数", id, w)
		}
		sum += w
	}
	if sum > 1 {
		for id := range out {
			out[id] /= sum
		}
	}
	return out, nil
}

func (c *Coordinator) transferFailed(agentID, message string, err error) {
	c.deps.Publisher.Publish(agentID, events.CategoryError, message, map[string]any{
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	})
	if c.deps.Metrics != nil {
		c.deps.Metrics.ObserveTransfer(agentID, "failed")
	}
	if xerrors.HasCode(err, xerrors.CodeSigningFailed) {
		c.handleSigningError(agentID, err)
	}
}

func (c *Coordinator) observeTransfer(agentID, outcome string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.ObserveTransfer(agentID, outcome)
	}
}

// floorTo 向下取整到 precision 位小数。加上极小量以吸收浮点乘法误差，例如 0.9*0.6。
func floorTo(x float64, precision int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	scale := math.Pow10(precision)
	return math.Floor(x*scale+1e-9) / scale
}
