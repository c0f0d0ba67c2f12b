package planner

import (
	"context"
	"fmt"
	"math"
	"strings"

	"OpenMCP-Fleet/internal/directive"
)

// RuleBased 是不依赖外部服务的确定性 planner。
type RuleBased struct{}

// NewRuleBased 创建规则 planner。
func NewRuleBased() *RuleBased { return &RuleBased{} }

// Name 实现 Planner。
func (*RuleBased) Name() string { return "rule" }

// Propose 依次检查低余额告警、止盈、定投、出金与风险扫描，都不触发时返回 Monitor。
func (*RuleBased) Propose(_ context.Context, obs Observation, d directive.Set) ([]Action, error) {
	self := obs.AgentID
	native := nativeAsset(obs)
	var actions []Action

	if floor := d.Float(directive.KeyAlertMinBalance, 0); floor > 0 && obs.Balance < floor {
		actions = append(actions, NewAlert(self, fmt.Sprintf("余额 %g 低于告警线 %g", obs.Balance, floor), "warning"))
	}

	if d.Bool(directive.KeyTakeProfitEnabled, false) {
		asset := strings.ToUpper(d.String(directive.KeyTakeProfitAsset, ""))
		trigger := d.Float(directive.KeyTakeProfitPrice, 0)
		held := obs.Assets[asset]
		if asset != "" && trigger > 0 && held > 0 && obs.Prices[asset] >= trigger {
			amount := d.Float(directive.KeyTakeProfitAmount, held)
			actions = append(actions, NewSwap(self, asset, native, math.Min(amount, held)))
		}
	}

	if d.Bool(directive.KeyDCAEnabled, false) {
		asset := strings.ToUpper(d.String(directive.KeyDCAAsset, ""))
		amount := d.Float(directive.KeyDCAAmount, 0)
		every := d.Int(directive.KeyDCAEveryCycles, 1)
		if asset != "" && amount > 0 && every > 0 && obs.Cycle%every == 0 {
			actions = append(actions, NewSwap(self, native, asset, amount))
		}
	}

	if d.Bool(directive.KeyOffRampEnabled, false) {
		address := d.String(directive.KeyOffRampAddress, "")
		threshold := d.Float(directive.KeyOffRampThreshold, 0)
		keep := d.Float(directive.KeyOffRampKeep, 0)
		if address != "" && threshold > 0 && obs.Balance > threshold && obs.Balance > keep {
			actions = append(actions, NewTransfer(self, address, obs.Balance-keep))
		}
	}

	if every := d.Int(directive.KeyRiskScanEveryCycles, 0); every > 0 && obs.Cycle%every == 0 {
		for _, asset := range sortedAssets(obs.Assets) {
			if asset == native {
				continue
			}
			actions = append(actions, NewRequestRiskScan(self, asset))
		}
	}

	if len(actions) == 0 {
		actions = append(actions, NewMonitor(self, fmt.Sprintf("余额 %g，无需操作", obs.Balance)))
	}
	return actions, nil
}
