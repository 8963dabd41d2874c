package aggregator

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nikhil/surveil/internal/logger"
	"github.com/nikhil/surveil/internal/models"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestApplyTeamConfigLastWriteWins(t *testing.T) {
	dir := t.TempDir()
	agg := New(logger.NewNop())

	path := writeFile(t, dir, "config.json", `{"name":"alpha","createdAt":1000}`)
	if err := agg.ApplyTeamConfig("alpha", path); err != nil {
		t.Fatalf("ApplyTeamConfig: %v", err)
	}
	writeFile(t, dir, "config.json", `{"name":"alpha","description":"second","createdAt":1000}`)
	if err := agg.ApplyTeamConfig("alpha", path); err != nil {
		t.Fatalf("ApplyTeamConfig: %v", err)
	}
	// Identical rewrite is a no-op on the observed state.
	if err := agg.ApplyTeamConfig("alpha", path); err != nil {
		t.Fatalf("ApplyTeamConfig: %v", err)
	}

	cfg := agg.Config("alpha")
	if cfg == nil || cfg.Description != "second" {
		t.Fatalf("config = %+v, want description second", cfg)
	}
	if agg.ActiveTeam() != "alpha" {
		t.Errorf("active team = %q, want alpha", agg.ActiveTeam())
	}
}

func TestFailedApplyKeepsPriorState(t *testing.T) {
	dir := t.TempDir()
	agg := New(logger.NewNop())

	path := writeFile(t, dir, "config.json", `{"name":"alpha","createdAt":1000}`)
	if err := agg.ApplyTeamConfig("alpha", path); err != nil {
		t.Fatalf("ApplyTeamConfig: %v", err)
	}

	writeFile(t, dir, "config.json", `{"name":"alpha",`)
	if err := agg.ApplyTeamConfig("alpha", path); err == nil {
		t.Fatal("expected parse error for truncated config")
	}
	writeFile(t, dir, "config.json", `["not","an","object"]`)
	if err := agg.ApplyTeamConfig("alpha", path); !errors.Is(err, models.ErrUnexpectedShape) {
		t.Fatalf("error = %v, want ErrUnexpectedShape", err)
	}
	if err := agg.ApplyTeamConfig("alpha", filepath.Join(dir, "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("error = %v, want not-exist", err)
	}

	cfg := agg.Config("alpha")
	if cfg == nil || cfg.CreatedAt == nil || *cfg.CreatedAt != 1000 {
		t.Fatalf("config after failures = %+v, want the original", cfg)
	}
}

func TestFailedFirstApplyDoesNotCreateTeam(t *testing.T) {
	agg := New(logger.NewNop())

	if err := agg.ApplyInbox("ghost", "lead", filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error")
	}
	if names := agg.TeamNames(); len(names) != 0 {
		t.Errorf("team names = %v, want none", names)
	}
	if agg.ActiveTeam() != "" {
		t.Errorf("active team = %q, want empty", agg.ActiveTeam())
	}
}

func TestApplyInboxEnrichesMessages(t *testing.T) {
	dir := t.TempDir()
	agg := New(logger.NewNop())

	path := writeFile(t, dir, "lead.json",
		`[{"from":"bot","text":"{\"type\":\"plan\"}","timestamp":"2024-01-01T00:00:00Z"},
		  {"from":"bot","text":"hello","timestamp":"2024-01-01T00:00:01Z","read":true}]`)
	if err := agg.ApplyInbox("alpha", "lead", path); err != nil {
		t.Fatalf("ApplyInbox: %v", err)
	}

	team, ok := agg.Team("alpha")
	if !ok {
		t.Fatal("team alpha missing")
	}
	messages := team.Inboxes["lead"]
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].MessageType != "plan" || messages[0].ParsedContent["type"] != "plan" {
		t.Errorf("first message = %+v, want plan type", messages[0])
	}
	if messages[1].MessageType != models.MessageTypeText || messages[1].ParsedContent != nil {
		t.Errorf("second message = %+v, want text", messages[1])
	}
	if messages[0].To != "lead" {
		t.Errorf("To = %q, want lead", messages[0].To)
	}
}

func TestMessagesMergedAndStablySorted(t *testing.T) {
	dir := t.TempDir()
	agg := New(logger.NewNop())

	a := writeFile(t, dir, "a.json", `[
		{"from":"x","text":"a1","timestamp":"2024-01-01T00:00:05Z"},
		{"from":"x","text":"a2","timestamp":"2024-01-01T00:00:01Z"},
		{"from":"x","text":"a3","timestamp":"2024-01-01T00:00:01Z"}
	]`)
	b := writeFile(t, dir, "b.json", `[
		{"from":"y","text":"b1","timestamp":"2024-01-01T00:00:01Z"},
		{"from":"y","text":"b2"}
	]`)
	if err := agg.ApplyInbox("alpha", "a", a); err != nil {
		t.Fatal(err)
	}
	if err := agg.ApplyInbox("alpha", "b", b); err != nil {
		t.Fatal(err)
	}

	var texts []string
	for _, msg := range agg.Messages("alpha") {
		texts = append(texts, msg.Text)
	}
	want := []string{"b2", "a2", "a3", "b1", "a1"}
	if len(texts) != len(want) {
		t.Fatalf("texts = %v, want %v", texts, want)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("texts = %v, want %v", texts, want)
		}
	}

	if got := agg.Messages("nobody"); got == nil || len(got) != 0 {
		t.Errorf("Messages(unknown) = %v, want empty slice", got)
	}
}

func TestApplyInboxReplacesWholesale(t *testing.T) {
	dir := t.TempDir()
	agg := New(logger.NewNop())

	path := writeFile(t, dir, "lead.json", `[{"from":"x","text":"1"},{"from":"x","text":"2"}]`)
	if err := agg.ApplyInbox("alpha", "lead", path); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "lead.json", `[{"from":"x","text":"3"}]`)
	if err := agg.ApplyInbox("alpha", "lead", path); err != nil {
		t.Fatal(err)
	}

	messages := agg.Messages("alpha")
	if len(messages) != 1 || messages[0].Text != "3" {
		t.Errorf("messages = %+v, want only the rewritten one", messages)
	}
}

func TestApplyTaskDerivesInternal(t *testing.T) {
	dir := t.TempDir()
	agg := New(logger.NewNop())

	internal := writeFile(t, dir, "1.json", `{"subject":"s","status":"pending","blocks":[2],"metadata":{"_internal":true}}`)
	visible := writeFile(t, dir, "2.json", `{"subject":"t","status":"completed","blockedBy":["1"]}`)
	if err := agg.ApplyTask("alpha", "1", internal); err != nil {
		t.Fatal(err)
	}
	if err := agg.ApplyTask("alpha", "2", visible); err != nil {
		t.Fatal(err)
	}

	tasks := agg.Tasks("alpha")
	if !tasks["1"].IsInternal {
		t.Error("task 1 should be internal")
	}
	if tasks["2"].IsInternal {
		t.Error("task 2 should not be internal")
	}
	if len(tasks["1"].Blocks) != 1 || tasks["1"].Blocks[0] != "2" {
		t.Errorf("blocks = %v, want [2]", tasks["1"].Blocks)
	}
}

func TestStateFilter(t *testing.T) {
	dir := t.TempDir()
	agg := New(logger.NewNop())

	if err := agg.ApplyTeamConfig("alpha", writeFile(t, dir, "a.json", `{"name":"alpha"}`)); err != nil {
		t.Fatal(err)
	}
	if err := agg.ApplyTeamConfig("beta", writeFile(t, dir, "b.json", `{"name":"beta"}`)); err != nil {
		t.Fatal(err)
	}

	full := agg.State("")
	if len(full.Teams) != 2 || full.ActiveTeam == nil || *full.ActiveTeam != "beta" {
		t.Fatalf("full state = %+v", full)
	}

	filtered := agg.State("alpha")
	if len(filtered.Teams) != 1 || *filtered.ActiveTeam != "alpha" {
		t.Fatalf("filtered state = %+v", filtered)
	}
	if len(filtered.TeamNames) != 2 {
		t.Errorf("team names = %v, want both", filtered.TeamNames)
	}

	unknown := agg.State("gamma")
	if len(unknown.Teams) != 2 {
		t.Errorf("unknown filter should fall back to full state, got %d teams", len(unknown.Teams))
	}
}

func TestStateSerializesTeamWithoutConfig(t *testing.T) {
	dir := t.TempDir()
	agg := New(logger.NewNop())

	if err := agg.ApplyTask("alpha", "1", writeFile(t, dir, "1.json", `{"subject":"s"}`)); err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(agg.State(""))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Teams map[string]struct {
			Config map[string]any `json:"config"`
		} `json:"teams"`
		ActiveTeam string `json:"activeTeam"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if decoded.Teams["alpha"].Config == nil {
		t.Errorf("config should be an empty object, got %s", data)
	}
	if decoded.ActiveTeam != "alpha" {
		t.Errorf("activeTeam = %q", decoded.ActiveTeam)
	}
}
