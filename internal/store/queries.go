package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nikhil/surveil/internal/models"
)

const sessionColumns = `
	s.id, s.team_name, s.description, s.lead_agent_id, s.created_at, s.ended_at,
	(SELECT COUNT(*) FROM session_members m WHERE m.session_id = s.id),
	(SELECT COUNT(*) FROM session_messages g WHERE g.session_id = s.id),
	(SELECT COUNT(*) FROM session_tasks t WHERE t.session_id = s.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, extra ...any) (models.Session, error) {
	var (
		session     models.Session
		description sql.NullString
		leadAgentID sql.NullString
		endedAt     sql.NullInt64
	)
	dest := []any{
		&session.ID, &session.TeamName, &description, &leadAgentID,
		&session.CreatedAt, &endedAt,
		&session.MemberCount, &session.MessageCount, &session.TaskCount,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Session{}, err
	}
	session.Description = description.String
	session.LeadAgentID = leadAgentID.String
	if endedAt.Valid {
		ended := endedAt.Int64
		session.EndedAt = &ended
	}
	return session, nil
}

// ListSessions returns every session, most recently created first.
func (s *Store) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions s ORDER BY s.created_at DESC, s.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession returns one session with its config, members, messages
// (timestamp ascending) and tasks. Unknown ids return ErrNotFound. Stored
// JSON that no longer parses comes back as null or an empty list instead of
// failing the read.
func (s *Store) GetSession(ctx context.Context, id int64) (*models.SessionDetail, error) {
	var snapshot sql.NullString
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+`, s.config_snapshot FROM sessions s WHERE s.id = ?`, id)
	session, err := scanSession(row, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %d: %w", id, err)
	}

	detail := &models.SessionDetail{Session: session}
	if snapshot.Valid && json.Valid([]byte(snapshot.String)) {
		detail.Config = json.RawMessage(snapshot.String)
	} else {
		s.log.Warn("Discarding malformed config snapshot", "session_id", id)
	}

	if detail.Members, err = s.members(ctx, id); err != nil {
		return nil, err
	}
	if detail.Messages, err = s.messages(ctx, id); err != nil {
		return nil, err
	}
	if detail.Tasks, err = s.tasks(ctx, id); err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *Store) members(ctx context.Context, sessionID int64) ([]models.SessionMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, name, agent_type, model, color, joined_at
		 FROM session_members WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get members: %w", err)
	}
	defer rows.Close()

	members := make([]models.SessionMember, 0)
	for rows.Next() {
		var (
			m                             models.SessionMember
			name, agentType, model, color sql.NullString
			joinedAt                      sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.AgentID, &name, &agentType, &model, &color, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Name, m.AgentType, m.Model, m.Color = name.String, agentType.String, model.String, color.String
		if joinedAt.Valid {
			joined := joinedAt.Int64
			m.JoinedAt = &joined
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) messages(ctx context.Context, sessionID int64) ([]models.SessionMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, inbox_owner, from_agent, message_type, raw_text, parsed_json,
		        summary, color, is_read, timestamp
		 FROM session_messages WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.SessionMessage, 0)
	for rows.Next() {
		var (
			m                                            models.SessionMessage
			messageType, rawText, parsed, summary, color sql.NullString
			isRead                                       int
		)
		err := rows.Scan(&m.ID, &m.InboxOwner, &m.FromAgent, &messageType, &rawText,
			&parsed, &summary, &color, &isRead, &m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.MessageType, m.RawText = messageType.String, rawText.String
		m.Summary, m.Color = summary.String, color.String
		m.IsRead = isRead != 0
		if parsed.Valid {
			if json.Valid([]byte(parsed.String)) {
				m.ParsedJSON = json.RawMessage(parsed.String)
			} else {
				s.log.Warn("Discarding malformed message JSON", "session_id", sessionID, "message_id", m.ID)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) tasks(ctx context.Context, sessionID int64) ([]models.SessionTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, subject, description, active_form, status, owner,
		        blocks, blocked_by, is_internal
		 FROM session_tasks WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]models.SessionTask, 0)
	for rows.Next() {
		var (
			t                                               models.SessionTask
			subject, description, activeForm, status, owner sql.NullString
			blocks, blockedBy                               sql.NullString
			isInternal                                      int
		)
		err := rows.Scan(&t.ID, &t.TaskID, &subject, &description, &activeForm, &status,
			&owner, &blocks, &blockedBy, &isInternal)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Subject, t.Description, t.ActiveForm = subject.String, description.String, activeForm.String
		t.Status, t.Owner = status.String, owner.String
		t.IsInternal = isInternal != 0
		t.Blocks = s.decodeList(blocks, sessionID, t.TaskID)
		t.BlockedBy = s.decodeList(blockedBy, sessionID, t.TaskID)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) decodeList(value sql.NullString, sessionID int64, taskID string) []string {
	list := []string{}
	if !value.Valid {
		return list
	}
	if err := json.Unmarshal([]byte(value.String), &list); err != nil {
		s.log.Warn("Discarding malformed task list", "session_id", sessionID, "task_id", taskID, "error", err)
		return []string{}
	}
	if list == nil {
		return []string{}
	}
	return list
}
