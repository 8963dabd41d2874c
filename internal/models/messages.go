package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// MessageTypeText is the type of any message whose text is not a typed JSON
// object.
const MessageTypeText = "text"

// Message is one entry of an agent's inbox file, enriched with the inbox
// owner and the type derived from its text.
type Message struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
	Read      bool   `json:"read"`
	Color     string `json:"color,omitempty"`
	Summary   string `json:"summary,omitempty"`

	To            string         `json:"to"`
	MessageType   string         `json:"messageType"`
	ParsedContent map[string]any `json:"parsedContent"`
}

// ParseInbox decodes an inbox file and enriches every message for owner.
// Entries that are not message objects are skipped.
func ParseInbox(owner string, data []byte) ([]Message, error) {
	if err := expectShape(data, '['); err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal(item, &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return EnrichMessages(owner, messages), nil
}

// UnmarshalJSON accepts numeric timestamps as epoch milliseconds and keeps
// non-string text as its raw JSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		*plain
		Text      json.RawMessage `json:"text"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	aux.plain = (*plain)(m)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Text = looseText(aux.Text)
	m.Timestamp = looseTimestamp(aux.Timestamp)
	return nil
}

func looseText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func looseTimestamp(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || ms == 0 {
		return ""
	}
	return time.UnixMilli(int64(ms)).UTC().Format(time.RFC3339Nano)
}

// EnrichMessages derives To, MessageType and ParsedContent for each message.
// It recomputes from Text every time and never looks at previous values.
func EnrichMessages(owner string, messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, msg := range messages {
		msg.To = owner
		msg.MessageType = MessageTypeText
		msg.ParsedContent = nil
		if parsed, kind, ok := typedContent(msg.Text); ok {
			msg.MessageType = kind
			msg.ParsedContent = parsed
		}
		out[i] = msg
	}
	return out
}

// typedContent returns the object embedded in text when it is a JSON object
// with a non-empty string "type" field.
func typedContent(text string) (map[string]any, string, bool) {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, "", false
	}
	var parsed map[string]any
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return nil, "", false
	}
	kind, _ := parsed["type"].(string)
	if kind == "" {
		return nil, "", false
	}
	return parsed, kind, true
}

// Time returns the message timestamp, or the zero Unix epoch when it is
// missing or unparseable.
func (m Message) Time() time.Time {
	if m.Timestamp == "" {
		return time.Unix(0, 0)
	}
	parsed, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Unix(0, 0)
	}
	return parsed
}
