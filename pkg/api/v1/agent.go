package v1

import "time"

// AgentStatus represents the availability of an agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "IDLE"
	AgentStatusBusy    AgentStatus = "BUSY"
	AgentStatusError   AgentStatus = "ERROR"
	AgentStatusOffline AgentStatus = "OFFLINE"
)

// AgentRecord is the orchestrator's view of one registered agent.
type AgentRecord struct {
	ID            string      `json:"id"`
	SessionName   string      `json:"session_name"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	Load          int         `json:"load"`
	ErrorMessage  string      `json:"error_message,omitempty"`
}

// Clone returns a copy safe for external readers.
func (a *AgentRecord) Clone() *AgentRecord {
	c := *a
	if a.Capabilities != nil {
		c.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &c
}

// AgentListResponse lists the known agents.
type AgentListResponse struct {
	Agents []*AgentRecord `json:"agents"`
	Total  int            `json:"total"`
}
