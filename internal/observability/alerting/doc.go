// Package alerting fans alert events (signing failures, halts, emergency
// stops) out to the audit log and an optional JSON webhook.
package alerting
