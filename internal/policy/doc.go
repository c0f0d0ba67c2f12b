// Package policy gates every fund-moving action. A Gate evaluates transfers
// and swaps against an immutable rule snapshot and a lazily reset 24h spending
// window, and commits the window increment atomically with the approval.
package policy
