// Package scheduler runs the per-agent heartbeat. Each tick executes one
// cycle (wake, read, observe, plan, execute, sleep); cycles of the same agent
// never overlap and a tick that arrives while a cycle is in flight is skipped.
package scheduler
