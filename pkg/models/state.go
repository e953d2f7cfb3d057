package models

type AgentState string

const (
	Idle      AgentState = "idle"
	Analyzing AgentState = "analyzing"
	Planning  AgentState = "planning"
	Executing AgentState = "executing"
	Learning  AgentState = "learning"
	Failed    AgentState = "failed" // dead state
	Completed AgentState = "completed"
)

// Health is what an agent reports from a health check.
type Health struct {
	Status  string         `json:"status"`
	Agent   string         `json:"agent"`
	Details map[string]any `json:"details,omitempty"`
}

const Healthy = "healthy"
