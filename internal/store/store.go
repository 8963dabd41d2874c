// Package store records team sessions and everything observed in them.
//
// Every write is keyed on a natural identity so it can be repeated freely:
// sessions on (team name, createdAt), members on (session, agent id),
// messages on (session, inbox owner, sender, timestamp) and tasks on
// (session, task id). Members and messages keep the first write; tasks keep
// the last.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nikhil/surveil/internal/database"
	"github.com/nikhil/surveil/internal/logger"
	"github.com/nikhil/surveil/internal/models"
)

var (
	// ErrNotFound is returned by GetSession for an unknown id.
	ErrNotFound = errors.New("session not found")
	// ErrNoCreatedAt is returned when asked to record a config without a
	// creation timestamp. Such teams are live-only.
	ErrNoCreatedAt = errors.New("team config has no createdAt")
)

// Store is the session history.
type Store struct {
	db  *database.DB
	log *logger.Logger

	insertSession string
	insertMember  string
	insertMessage string
	upsertTask    string
}

// New migrates the schema and returns a ready store.
func New(ctx context.Context, db *database.DB, log *logger.Logger) (*Store, error) {
	for _, stmt := range db.Dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}

	d := db.Dialect
	return &Store{
		db:  db,
		log: log,
		insertSession: d.InsertIgnore + ` sessions
			(team_name, description, lead_agent_id, created_at, config_snapshot)
			VALUES (?, ?, ?, ?, ?)`,
		insertMember: d.InsertIgnore + ` session_members
			(session_id, agent_id, name, agent_type, model, color, joined_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		insertMessage: d.InsertIgnore + ` session_messages
			(session_id, inbox_owner, from_agent, message_type, raw_text,
			 parsed_json, summary, color, is_read, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		upsertTask: d.InsertReplace + ` session_tasks
			(session_id, task_id, subject, description, active_form, status,
			 owner, blocks, blocked_by, is_internal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertSession finds or creates the session for cfg's (name, createdAt) and
// returns its id. Creating a session ends any earlier open session of the
// same team.
func (s *Store) UpsertSession(ctx context.Context, cfg *models.TeamConfig) (int64, error) {
	if !cfg.HasCreatedAt() {
		return 0, ErrNoCreatedAt
	}
	teamName := cfg.DisplayName()
	createdAt := *cfg.CreatedAt

	var id int64
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.insertSession,
			teamName, nullString(cfg.Description), nullString(cfg.LeadAgentID),
			createdAt, string(cfg.Raw()))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		inserted, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if inserted == 0 {
			// Already recorded, possibly by a concurrent caller.
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM sessions WHERE team_name = ? AND created_at = ?`,
				teamName, createdAt).Scan(&id)
			if err != nil {
				return fmt.Errorf("find session: %w", err)
			}
			return nil
		}

		if id, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return endPreviousSessions(ctx, tx, teamName, createdAt)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertMembers records members not yet known for the session. The batch is
// all-or-nothing.
func (s *Store) UpsertMembers(ctx context.Context, sessionID int64, members []models.Member) error {
	if len(members) == 0 {
		return nil
	}
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.insertMember)
		if err != nil {
			return fmt.Errorf("prepare member insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range members {
			_, err := stmt.ExecContext(ctx, sessionID, m.AgentID,
				nullString(m.Name), nullString(m.AgentType), nullString(m.Model),
				nullString(m.Color), nullInt(m.JoinedAt))
			if err != nil {
				return fmt.Errorf("insert member %s: %w", m.AgentID, err)
			}
		}
		return nil
	})
}

// UpsertMessage records msg unless (session, owner, sender, timestamp) is
// already present.
func (s *Store) UpsertMessage(ctx context.Context, sessionID int64, msg models.Message) error {
	_, err := s.db.ExecContext(ctx, s.insertMessage, messageArgs(sessionID, msg)...)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpsertMessages records one inbox's messages in a single transaction.
func (s *Store) UpsertMessages(ctx context.Context, sessionID int64, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.insertMessage)
		if err != nil {
			return fmt.Errorf("prepare message insert: %w", err)
		}
		defer stmt.Close()

		for _, msg := range messages {
			if _, err := stmt.ExecContext(ctx, messageArgs(sessionID, msg)...); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}
		return nil
	})
}

func messageArgs(sessionID int64, msg models.Message) []any {
	var parsed sql.NullString
	if msg.ParsedContent != nil {
		if data, err := json.Marshal(msg.ParsedContent); err == nil {
			parsed = sql.NullString{String: string(data), Valid: true}
		}
	}
	return []any{
		sessionID, msg.To, msg.From, nullString(msg.MessageType), msg.Text,
		parsed, nullString(msg.Summary), nullString(msg.Color),
		boolToInt(msg.Read), msg.Timestamp,
	}
}

// UpsertTask records task under taskID, replacing any earlier version.
func (s *Store) UpsertTask(ctx context.Context, sessionID int64, taskID string, task *models.Task) error {
	if task == nil || taskID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.upsertTask,
		sessionID, taskID,
		nullString(task.Subject), nullString(task.Description), nullString(task.ActiveForm),
		nullString(task.Status), nullString(task.Owner),
		jsonList(task.Blocks), jsonList(task.BlockedBy),
		boolToInt(task.IsInternal))
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", taskID, err)
	}
	return nil
}

// EndSession marks a session as ended at endedAt (epoch millis).
func (s *Store) EndSession(ctx context.Context, sessionID, endedAt int64) error {
	return endSession(ctx, s.db, sessionID, endedAt)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func endSession(ctx context.Context, db execer, sessionID, endedAt int64) error {
	_, err := db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ?`, endedAt, sessionID)
	if err != nil {
		return fmt.Errorf("end session %d: %w", sessionID, err)
	}
	return nil
}

// endPreviousSessions ends every open session of teamName that started
// before createdAt, at createdAt.
func endPreviousSessions(ctx context.Context, tx *sql.Tx, teamName string, createdAt int64) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM sessions WHERE team_name = ? AND created_at < ? AND ended_at IS NULL`,
		teamName, createdAt)
	if err != nil {
		return fmt.Errorf("find previous sessions: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("find previous sessions: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("find previous sessions: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("find previous sessions: %w", err)
	}

	for _, id := range ids {
		if err := endSession(ctx, tx, id, createdAt); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func jsonList(list []string) sql.NullString {
	if list == nil {
		return sql.NullString{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}
