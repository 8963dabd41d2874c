// Package aggregator holds the live in-memory model of every team seen on
// disk.
//
// Each Apply method reads one file and replaces one whole entity. A read or
// parse failure leaves the previous value in place, so the model is always
// stale-but-consistent rather than half-updated.
package aggregator

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/nikhil/surveil/internal/logger"
	"github.com/nikhil/surveil/internal/models"
)

// Aggregator is the single owner of the live team model. Writes come from
// one goroutine (the coordinator); readers take a read lock and receive
// copies.
type Aggregator struct {
	mu         sync.RWMutex
	teams      map[string]*models.Team
	activeTeam string
	log        *logger.Logger

	readFile func(string) ([]byte, error)
}

// New returns an empty aggregator.
func New(log *logger.Logger) *Aggregator {
	return &Aggregator{
		teams:    make(map[string]*models.Team),
		log:      log,
		readFile: os.ReadFile,
	}
}

// ApplyTeamConfig replaces team's config with the content of path.
func (a *Aggregator) ApplyTeamConfig(team, path string) error {
	data, err := a.readFile(path)
	if err != nil {
		return a.reject("team config", team, path, fmt.Errorf("read team config: %w", err))
	}
	cfg, err := models.ParseTeamConfig(data)
	if err != nil {
		return a.reject("team config", team, path, fmt.Errorf("parse team config: %w", err))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.teamLocked(team).Config = cfg
	a.activeTeam = team
	return nil
}

// ApplyInbox replaces agent's inbox in team with the enriched content of path.
func (a *Aggregator) ApplyInbox(team, agent, path string) error {
	data, err := a.readFile(path)
	if err != nil {
		return a.reject("inbox", team, path, fmt.Errorf("read inbox %s: %w", agent, err))
	}
	messages, err := models.ParseInbox(agent, data)
	if err != nil {
		return a.reject("inbox", team, path, fmt.Errorf("parse inbox %s: %w", agent, err))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.teamLocked(team).Inboxes[agent] = messages
	a.activeTeam = team
	return nil
}

// ApplyTask replaces task taskID in team with the content of path.
func (a *Aggregator) ApplyTask(team, taskID, path string) error {
	data, err := a.readFile(path)
	if err != nil {
		return a.reject("task", team, path, fmt.Errorf("read task %s: %w", taskID, err))
	}
	task, err := models.ParseTask(data)
	if err != nil {
		return a.reject("task", team, path, fmt.Errorf("parse task %s: %w", taskID, err))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.teamLocked(team).Tasks[taskID] = task
	a.activeTeam = team
	return nil
}

func (a *Aggregator) reject(kind, team, path string, err error) error {
	a.log.Warn("Failed to apply "+kind, "team", team, "path", path, "error", err)
	return err
}

func (a *Aggregator) teamLocked(name string) *models.Team {
	team, ok := a.teams[name]
	if !ok {
		team = models.NewTeam()
		a.teams[name] = team
	}
	return team
}

// State returns the full model. When filter names a known team, only that
// team is included and it is reported as the active team.
func (a *Aggregator) State(filter string) models.State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state := models.State{
		Teams:     make(map[string]models.Team),
		TeamNames: a.teamNamesLocked(),
	}

	if team, ok := a.teams[filter]; ok && filter != "" {
		state.Teams[filter] = team.Clone()
		active := filter
		state.ActiveTeam = &active
		return state
	}

	for name, team := range a.teams {
		state.Teams[name] = team.Clone()
	}
	if a.activeTeam != "" {
		active := a.activeTeam
		state.ActiveTeam = &active
	}
	return state
}

// Team returns a copy of one team.
func (a *Aggregator) Team(name string) (models.Team, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	team, ok := a.teams[name]
	if !ok {
		return models.Team{}, false
	}
	return team.Clone(), true
}

// ActiveTeam returns the most recently updated team, or "".
func (a *Aggregator) ActiveTeam() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.activeTeam
}

// TeamNames returns every known team, sorted.
func (a *Aggregator) TeamNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.teamNamesLocked()
}

func (a *Aggregator) teamNamesLocked() []string {
	names := make([]string, 0, len(a.teams))
	for name := range a.teams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Messages returns every message in team, oldest first. Inboxes are
// concatenated in agent-name order and then stably sorted by timestamp, so
// equal timestamps keep their file order.
func (a *Aggregator) Messages(team string) []models.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()

	t, ok := a.teams[team]
	if !ok {
		return []models.Message{}
	}

	agents := make([]string, 0, len(t.Inboxes))
	total := 0
	for agent, messages := range t.Inboxes {
		agents = append(agents, agent)
		total += len(messages)
	}
	sort.Strings(agents)

	all := make([]models.Message, 0, total)
	for _, agent := range agents {
		all = append(all, t.Inboxes[agent]...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Time().Before(all[j].Time())
	})
	return all
}

// Tasks returns a copy of team's task map.
func (a *Aggregator) Tasks(team string) map[string]*models.Task {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]*models.Task)
	if t, ok := a.teams[team]; ok {
		for id, task := range t.Tasks {
			out[id] = task
		}
	}
	return out
}

// Config returns team's config, or nil if none has been read.
func (a *Aggregator) Config(team string) *models.TeamConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if t, ok := a.teams[team]; ok {
		return t.Config
	}
	return nil
}
