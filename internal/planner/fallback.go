package planner

import (
	"context"
	"log/slog"

	"OpenMCP-Fleet/internal/directive"
	"OpenMCP-Fleet/pkg/logger"
)

type fallbackPlanner struct {
	primary  Planner
	fallback Planner
	log      *slog.Logger
}

// WithFallback 在 primary 失败时改用 fallback 提案。
func WithFallback(primary, fallback Planner) Planner {
	if primary == nil {
		return fallback
	}
	if fallback == nil {
		return primary
	}
	return &fallbackPlanner{primary: primary, fallback: fallback, log: logger.Named("planner")}
}

func (p *fallbackPlanner) Name() string {
	return p.primary.Name() + ">" + p.fallback.Name()
}

func (p *fallbackPlanner) Propose(ctx context.Context, obs Observation, d directive.Set) ([]Action, error) {
	actions, err := p.primary.Propose(ctx, obs, d)
	if err == nil {
		return actions, nil
	}
	p.log.Warn("主 planner 失败，使用备用 planner",
		slog.String("agent_id", obs.AgentID),
		slog.String("primary", p.primary.Name()),
		slog.Any("error", err))
	return p.fallback.Propose(ctx, obs, d)
}
