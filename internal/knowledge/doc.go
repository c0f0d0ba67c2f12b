// Package knowledge loads the operator playbook: short, role-scoped notes
// that the LLM planner quotes back to the model when the mission mentions
// one of their keywords.
package knowledge
