package models

import "encoding/json"

// Outbound envelope types.
const (
	TypeFullState  = "full_state"
	TypeTeamUpdate = "team_update"
	TypeHistory    = "history"
	TypeSession    = "session"
	TypeHeartbeat  = "heartbeat"
	TypeError      = "error"
)

// Inbound request types.
const (
	RequestSwitchTeam = "switch_team"
	RequestGetHistory = "get_history"
	RequestGetSession = "get_session"
)

// Team update change types.
const (
	ChangeConfig = "config"
	ChangeInbox  = "inbox"
	ChangeTask   = "task"
)

// Envelope is every message the server sends to a viewer.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Request is a message received from a viewer. SessionID is kept raw because
// viewers send it as either a number or a string.
type Request struct {
	Type      string          `json:"type"`
	TeamName  string          `json:"teamName,omitempty"`
	SessionID json.RawMessage `json:"sessionId,omitempty"`
}

// TeamUpdate is the payload of a team_update envelope.
type TeamUpdate struct {
	TeamName   string `json:"teamName"`
	ChangeType string `json:"changeType"`
	ChangeData any    `json:"changeData"`
}

// InboxChange is the changeData of an inbox team_update.
type InboxChange struct {
	AgentName string    `json:"agentName"`
	Messages  []Message `json:"messages"`
}

// TaskChange is the changeData of a task team_update.
type TaskChange struct {
	TaskID string           `json:"taskId"`
	Tasks  map[string]*Task `json:"tasks"`
}

// Heartbeat is the payload of a heartbeat envelope.
type Heartbeat struct {
	Clients int `json:"clients"`
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
