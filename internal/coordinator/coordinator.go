// Package coordinator drives every change event through the live model, the
// session history and the viewer fan-out, in that order.
package coordinator

import (
	"context"
	"time"

	"github.com/nikhil/surveil/internal/aggregator"
	"github.com/nikhil/surveil/internal/classify"
	"github.com/nikhil/surveil/internal/logger"
	"github.com/nikhil/surveil/internal/models"
	"github.com/nikhil/surveil/internal/watcher"
)

const persistTimeout = 10 * time.Second

// Persister records session history.
type Persister interface {
	UpsertSession(ctx context.Context, cfg *models.TeamConfig) (int64, error)
	UpsertMembers(ctx context.Context, sessionID int64, members []models.Member) error
	UpsertMessages(ctx context.Context, sessionID int64, messages []models.Message) error
	UpsertTask(ctx context.Context, sessionID int64, taskID string, task *models.Task) error
}

// Broadcaster fans team updates out to viewers.
type Broadcaster interface {
	BroadcastTeamUpdate(teamName, changeType string, changeData any)
}

type Coordinator struct {
	agg   *aggregator.Aggregator
	store Persister
	hub   Broadcaster
	log   *logger.Logger
}

func New(agg *aggregator.Aggregator, store Persister, hub Broadcaster, log *logger.Logger) *Coordinator {
	return &Coordinator{agg: agg, store: store, hub: hub, log: log}
}

// Run handles events one at a time until the channel is closed. Events
// already queued when ctx is cancelled are still drained, so the watcher
// must be stopped first for Run to return.
func (c *Coordinator) Run(ctx context.Context, events <-chan watcher.Event) error {
	ctx = context.WithoutCancel(ctx)
	handled := 0
	for event := range events {
		c.handle(ctx, event)
		handled++
	}
	c.log.Info("Coordinator stopped", "events", handled)
	return nil
}

func (c *Coordinator) handle(ctx context.Context, event watcher.Event) {
	switch event.Kind {
	case classify.TeamConfig:
		c.teamConfigChanged(ctx, event)
	case classify.Inbox:
		c.inboxChanged(ctx, event)
	case classify.Task:
		c.taskChanged(ctx, event)
	default:
		c.log.Debug("Ignoring event", "kind", event.Kind.String(), "path", event.Path)
	}
}

func (c *Coordinator) teamConfigChanged(ctx context.Context, event watcher.Event) {
	if err := c.agg.ApplyTeamConfig(event.Team, event.Path); err != nil {
		return
	}

	cfg := c.agg.Config(event.Team)
	if id, ok := c.session(ctx, event.Team, cfg); ok && len(cfg.Members) > 0 {
		ctx, cancel := context.WithTimeout(ctx, persistTimeout)
		defer cancel()
		if err := c.store.UpsertMembers(ctx, id, cfg.Members); err != nil {
			c.log.Error("Failed to persist members", "team", event.Team, "session_id", id, "error", err)
		}
	}

	team, _ := c.agg.Team(event.Team)
	c.hub.BroadcastTeamUpdate(event.Team, models.ChangeConfig, team)
}

func (c *Coordinator) inboxChanged(ctx context.Context, event watcher.Event) {
	if err := c.agg.ApplyInbox(event.Team, event.Agent, event.Path); err != nil {
		return
	}

	if id, ok := c.session(ctx, event.Team, c.agg.Config(event.Team)); ok {
		team, _ := c.agg.Team(event.Team)
		ctx, cancel := context.WithTimeout(ctx, persistTimeout)
		defer cancel()
		if err := c.store.UpsertMessages(ctx, id, team.Inboxes[event.Agent]); err != nil {
			c.log.Error("Failed to persist messages", "team", event.Team, "agent", event.Agent, "session_id", id, "error", err)
		}
	}

	c.hub.BroadcastTeamUpdate(event.Team, models.ChangeInbox, models.InboxChange{
		AgentName: event.Agent,
		Messages:  c.agg.Messages(event.Team),
	})
}

func (c *Coordinator) taskChanged(ctx context.Context, event watcher.Event) {
	if err := c.agg.ApplyTask(event.Team, event.TaskID, event.Path); err != nil {
		return
	}

	tasks := c.agg.Tasks(event.Team)
	if task, exists := tasks[event.TaskID]; exists {
		if id, ok := c.session(ctx, event.Team, c.agg.Config(event.Team)); ok {
			taskID := event.TaskID
			if task.ID != "" {
				taskID = task.ID
			}
			ctx, cancel := context.WithTimeout(ctx, persistTimeout)
			defer cancel()
			if err := c.store.UpsertTask(ctx, id, taskID, task); err != nil {
				c.log.Error("Failed to persist task", "team", event.Team, "task_id", taskID, "session_id", id, "error", err)
			}
		}
	}

	c.hub.BroadcastTeamUpdate(event.Team, models.ChangeTask, models.TaskChange{
		TaskID: event.TaskID,
		Tasks:  tasks,
	})
}

// session returns the history session for the team's current config. Teams
// whose config has no createdAt are live-only.
func (c *Coordinator) session(ctx context.Context, team string, cfg *models.TeamConfig) (int64, bool) {
	if !cfg.HasCreatedAt() {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	id, err := c.store.UpsertSession(ctx, cfg)
	if err != nil {
		c.log.Error("Failed to persist session", "team", team, "error", err)
		return 0, false
	}
	return id, true
}
