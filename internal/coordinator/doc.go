// Package coordinator owns the agent registry and the vault. It builds a
// policy gate and a scheduler per agent, drives their lifecycle, and moves
// capital between the vault and agents (recall, sack, distribute) while
// tolerating per-agent failures.
package coordinator
