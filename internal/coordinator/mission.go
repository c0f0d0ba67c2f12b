package coordinator

import (
	"math"
	"strings"
	"time"

	"OpenMCP-Fleet/internal/events"
)

// Mission 是共享的任务描述，只用于汇报进度，不影响策略闸门。
type Mission struct {
	Text         string    `json:"text"`
	StartCycle   int       `json:"start_cycle"`
	TargetCycles int       `json:"target_cycles"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MissionStatus 是任务与当前进度。
type MissionStatus struct {
	Mission
	CurrentCycle int     `json:"current_cycle"`
	ProgressPct  float64 `json:"progress_pct"`
}

// SetMission 更新任务并向每个已注册智能体广播。targetCycles <= 0 时沿用原目标。
func (c *Coordinator) SetMission(text string, targetCycles int) Mission {
	text = strings.TrimSpace(text)
	current := c.totalCycles()

	c.mu.Lock()
	if targetCycles <= 0 {
		targetCycles = c.mission.TargetCycles
	}
	c.mission = Mission{
		Text:         text,
		StartCycle:   current,
		TargetCycles: targetCycles,
		UpdatedAt:    c.clock.Now(),
	}
	mission := c.mission
	c.mu.Unlock()

	for _, id := range c.agentIDs() {
		c.deps.Publisher.Publish(id, events.CategoryMission, "任务已更新", map[string]any{
			"mission":       text,
			"target_cycles": targetCycles,
		})
	}
	return mission
}

// MissionStatus 返回任务进度，进度以所有智能体累计周期数计算，最多 100%。
func (c *Coordinator) MissionStatus() MissionStatus {
	current := c.totalCycles()
	c.mu.RLock()
	mission := c.mission
	c.mu.RUnlock()

	status := MissionStatus{Mission: mission, CurrentCycle: current}
	if mission.TargetCycles > 0 {
		done := float64(current - mission.StartCycle)
		status.ProgressPct = math.Min(100, math.Max(0, done/float64(mission.TargetCycles)*100))
	}
	return status
}

func (c *Coordinator) totalCycles() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, e := range c.agents {
		total += e.sched.CycleCount()
	}
	return total
}
