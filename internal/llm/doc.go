// Package llm defines the contract between the planner and a language model
// that proposes cycle actions. Provider adapters such as openai translate the
// observed agent state into a prompt and decode the model's JSON reply.
package llm
