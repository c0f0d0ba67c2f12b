// Package planner turns an observed agent state and the current directive
// set into an ordered list of typed actions.
package planner

import (
	"context"

	"OpenMCP-Fleet/internal/directive"
)

// Observation 是一个周期 OBSERVE 阶段得到的只读状态。
type Observation struct {
	AgentID     string
	Role        string
	Cycle       int
	NativeAsset string
	Balance     float64
	Assets      map[string]float64
	Prices      map[string]float64
	Peers       []string
	Recent      []CycleSummary
}

// CycleSummary 概括最近的一个周期。
type CycleSummary struct {
	Cycle    int
	Decision string
	Summary  string
}

// Planner 根据观察结果提出动作。实现不得修改调度器状态。
type Planner interface {
	Name() string
	Propose(ctx context.Context, obs Observation, directives directive.Set) ([]Action, error)
}

func nativeAsset(obs Observation) string {
	if obs.NativeAsset != "" {
		return obs.NativeAsset
	}
	return "ETH"
}
