package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Task is the parsed content of <tasks>/<team>/<taskId>.json.
type Task struct {
	ID          string         `json:"id,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Description string         `json:"description,omitempty"`
	ActiveForm  string         `json:"activeForm,omitempty"`
	Status      string         `json:"status,omitempty"`
	Owner       string         `json:"owner,omitempty"`
	Blocks      StringList     `json:"blocks,omitempty"`
	BlockedBy   StringList     `json:"blockedBy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	IsInternal  bool           `json:"isInternal,omitempty"`
}

// ParseTask decodes a task file and derives IsInternal from
// metadata._internal.
func ParseTask(data []byte) (*Task, error) {
	if err := expectShape(data, '{'); err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	internal, _ := task.Metadata["_internal"].(bool)
	task.IsInternal = internal
	return &task, nil
}

// StringList is a list of task ids. Task files have been seen with both
// string and numeric ids, so both decode.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(StringList, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err != nil {
			return fmt.Errorf("task id %s: %w", item, err)
		}
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			out = append(out, strconv.FormatInt(i, 10))
		} else {
			out = append(out, n.String())
		}
	}
	*l = out
	return nil
}
