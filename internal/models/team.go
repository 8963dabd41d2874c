package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnexpectedShape is returned when a workspace file is valid JSON but not
// the kind of value expected (an object where an array was expected, etc).
var ErrUnexpectedShape = errors.New("unexpected document shape")

// TeamConfig is the parsed content of <teams>/<team>/config.json.
// Only the fields surveil reads are decoded; the raw object is retained and
// is what gets sent to viewers and snapshotted into the history store.
type TeamConfig struct {
	Name        string   `json:"name,omitempty"`
	TeamName    string   `json:"teamName,omitempty"`
	Description string   `json:"description,omitempty"`
	LeadAgentID string   `json:"leadAgentId,omitempty"`
	CreatedAt   *int64   `json:"createdAt,omitempty"`
	Members     []Member `json:"members,omitempty"`

	raw json.RawMessage
}

// Member is one entry of a team config's members array.
type Member struct {
	AgentID   string `json:"agentId,omitempty"`
	Name      string `json:"name,omitempty"`
	AgentType string `json:"agentType,omitempty"`
	Model     string `json:"model,omitempty"`
	Color     string `json:"color,omitempty"`
	JoinedAt  *int64 `json:"joinedAt,omitempty"`
}

// ParseTeamConfig decodes a config.json document.
func ParseTeamConfig(data []byte) (*TeamConfig, error) {
	if err := expectShape(data, '{'); err != nil {
		return nil, err
	}
	type plain TeamConfig
	var cfg plain
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	out := TeamConfig(cfg)
	out.raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return &out, nil
}

// DisplayName is the name a session is recorded under.
func (c *TeamConfig) DisplayName() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.TeamName != "":
		return c.TeamName
	default:
		return "Unnamed Team"
	}
}

// HasCreatedAt reports whether the config carries a concrete creation
// timestamp. Only such configs are persisted.
func (c *TeamConfig) HasCreatedAt() bool {
	return c != nil && c.CreatedAt != nil
}

// Raw returns the config object exactly as read from disk.
func (c *TeamConfig) Raw() json.RawMessage {
	if len(c.raw) > 0 {
		return c.raw
	}
	type plain TeamConfig
	data, _ := json.Marshal((*plain)(c))
	return data
}

// MarshalJSON emits the original object so fields surveil does not model
// still reach viewers.
func (c TeamConfig) MarshalJSON() ([]byte, error) {
	return c.Raw(), nil
}

// UnmarshalJSON keeps the raw bytes alongside the typed fields.
func (c *TeamConfig) UnmarshalJSON(data []byte) error {
	parsed, err := ParseTeamConfig(data)
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

// Team is the live view of one team directory.
type Team struct {
	Config  *TeamConfig          `json:"config"`
	Inboxes map[string][]Message `json:"inboxes"`
	Tasks   map[string]*Task     `json:"tasks"`
}

// NewTeam returns an empty team with initialized maps.
func NewTeam() *Team {
	return &Team{
		Inboxes: make(map[string][]Message),
		Tasks:   make(map[string]*Task),
	}
}

// Clone copies the team's maps. Entities are replaced wholesale on update and
// never mutated, so sharing them between copies is safe.
func (t *Team) Clone() Team {
	out := Team{
		Config:  t.Config,
		Inboxes: make(map[string][]Message, len(t.Inboxes)),
		Tasks:   make(map[string]*Task, len(t.Tasks)),
	}
	for agent, messages := range t.Inboxes {
		out.Inboxes[agent] = messages
	}
	for id, task := range t.Tasks {
		out.Tasks[id] = task
	}
	return out
}

// MarshalJSON renders a team with no config yet as an empty object, which is
// what viewers expect before config.json has been seen.
func (t Team) MarshalJSON() ([]byte, error) {
	type plain Team
	if t.Config == nil {
		return json.Marshal(struct {
			Config  struct{}             `json:"config"`
			Inboxes map[string][]Message `json:"inboxes"`
			Tasks   map[string]*Task     `json:"tasks"`
		}{Inboxes: t.Inboxes, Tasks: t.Tasks})
	}
	return json.Marshal(plain(t))
}

// State is the full live model as sent in full_state envelopes.
type State struct {
	Teams      map[string]Team `json:"teams"`
	ActiveTeam *string         `json:"activeTeam"`
	TeamNames  []string        `json:"teamNames"`
}

func expectShape(data []byte, open byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty document: %w", ErrUnexpectedShape)
	}
	if trimmed[0] != open {
		return fmt.Errorf("expected %q, found %q: %w", open, trimmed[0], ErrUnexpectedShape)
	}
	return nil
}
