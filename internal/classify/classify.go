// Package classify maps a changed file path to the workspace entity it holds.
//
// Classification is purely structural: it looks at where the path sits
// relative to the teams and tasks roots and never touches the file system.
package classify

import (
	"path"
	"strings"
)

// Kind identifies what a path holds.
type Kind int

const (
	Ignored Kind = iota
	TeamConfig
	Inbox
	Task
)

func (k Kind) String() string {
	switch k {
	case TeamConfig:
		return "team-config"
	case Inbox:
		return "inbox"
	case Task:
		return "task"
	default:
		return "ignored"
	}
}

// Result is the classification of one path and the identifiers embedded in it.
type Result struct {
	Kind   Kind
	Team   string
	Agent  string
	TaskID string
}

// Classifier holds the two normalized roots.
type Classifier struct {
	teamsRoot string
	tasksRoot string
}

// New returns a classifier for the given roots.
func New(teamsRoot, tasksRoot string) *Classifier {
	return &Classifier{
		teamsRoot: Normalize(teamsRoot),
		tasksRoot: Normalize(tasksRoot),
	}
}

// Normalize turns either separator style into forward slashes and cleans the
// result, so the same file always yields the same key.
func Normalize(p string) string {
	if p == "" {
		return ""
	}
	return path.Clean(strings.ReplaceAll(p, `\`, "/"))
}

// Classify resolves p. Paths that do not match one of the three layouts,
// including directories and non-JSON files, are Ignored.
func (c *Classifier) Classify(p string) Result {
	normalized := Normalize(p)

	if parts, ok := segmentsUnder(c.teamsRoot, normalized); ok {
		return classifyTeamPath(parts)
	}
	if parts, ok := segmentsUnder(c.tasksRoot, normalized); ok {
		return classifyTaskPath(parts)
	}
	return Result{Kind: Ignored}
}

// <team>/config.json or <team>/inboxes/<agent>.json
func classifyTeamPath(parts []string) Result {
	switch {
	case len(parts) == 2 && parts[1] == "config.json":
		return Result{Kind: TeamConfig, Team: parts[0]}
	case len(parts) == 3 && parts[1] == "inboxes":
		agent, ok := jsonStem(parts[2])
		if !ok {
			return Result{Kind: Ignored}
		}
		return Result{Kind: Inbox, Team: parts[0], Agent: agent}
	}
	return Result{Kind: Ignored}
}

// <team>/<taskId>.json
func classifyTaskPath(parts []string) Result {
	if len(parts) != 2 {
		return Result{Kind: Ignored}
	}
	id, ok := jsonStem(parts[1])
	if !ok {
		return Result{Kind: Ignored}
	}
	return Result{Kind: Task, Team: parts[0], TaskID: id}
}

func jsonStem(name string) (string, bool) {
	stem, found := strings.CutSuffix(name, ".json")
	if !found || stem == "" {
		return "", false
	}
	return stem, true
}

// segmentsUnder splits p relative to root. The match is on a segment boundary
// and every segment must be non-empty.
func segmentsUnder(root, p string) ([]string, bool) {
	if root == "" {
		return nil, false
	}
	prefix := root
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	rel, found := strings.CutPrefix(p, prefix)
	if !found || rel == "" {
		return nil, false
	}
	parts := strings.Split(rel, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return nil, false
		}
	}
	return parts, true
}
