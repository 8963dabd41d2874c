package models

import "encoding/json"

// Session is one row of the history list: a team config epoch identified by
// (team name, createdAt).
type Session struct {
	ID           int64  `json:"id"`
	TeamName     string `json:"team_name"`
	Description  string `json:"description,omitempty"`
	LeadAgentID  string `json:"lead_agent_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	EndedAt      *int64 `json:"ended_at"`
	MemberCount  int    `json:"member_count"`
	MessageCount int    `json:"message_count"`
	TaskCount    int    `json:"task_count"`
}

// SessionDetail is a session with everything recorded against it.
type SessionDetail struct {
	Session
	Config   json.RawMessage  `json:"config"`
	Members  []SessionMember  `json:"members"`
	Messages []SessionMessage `json:"messages"`
	Tasks    []SessionTask    `json:"tasks"`
}

type SessionMember struct {
	ID        int64  `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	Model     string `json:"model,omitempty"`
	Color     string `json:"color,omitempty"`
	JoinedAt  *int64 `json:"joined_at"`
}

type SessionMessage struct {
	ID          int64           `json:"id"`
	InboxOwner  string          `json:"inbox_owner"`
	FromAgent   string          `json:"from_agent"`
	MessageType string          `json:"message_type"`
	RawText     string          `json:"raw_text"`
	ParsedJSON  json.RawMessage `json:"parsed_json"`
	Summary     string          `json:"summary,omitempty"`
	Color       string          `json:"color,omitempty"`
	IsRead      bool            `json:"is_read"`
	Timestamp   string          `json:"timestamp"`
}

type SessionTask struct {
	ID          int64    `json:"id"`
	TaskID      string   `json:"task_id"`
	Subject     string   `json:"subject,omitempty"`
	Description string   `json:"description,omitempty"`
	ActiveForm  string   `json:"active_form,omitempty"`
	Status      string   `json:"status,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	Blocks      []string `json:"blocks"`
	BlockedBy   []string `json:"blocked_by"`
	IsInternal  bool     `json:"is_internal"`
}
