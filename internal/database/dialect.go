package database

// Dialect holds the statements whose syntax differs between sqlite and mysql.
// Both rely on unique keys so that repeated inserts of the same fact are
// absorbed by the database rather than reported as errors.
type Dialect struct {
	Name string
	// Schema is executed statement by statement at startup.
	Schema []string
	// InsertIgnore starts an insert that silently skips unique-key conflicts.
	InsertIgnore string
	// InsertReplace starts an insert that overwrites the conflicting row.
	InsertReplace string
}

var SQLite = Dialect{
	Name:          DriverSQLite,
	InsertIgnore:  "INSERT OR IGNORE INTO",
	InsertReplace: "INSERT OR REPLACE INTO",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			team_name       TEXT NOT NULL,
			description     TEXT,
			lead_agent_id   TEXT,
			created_at      INTEGER NOT NULL,
			ended_at        INTEGER,
			config_snapshot TEXT NOT NULL,
			UNIQUE(team_name, created_at)
		)`,
		`CREATE TABLE IF NOT EXISTS session_members (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  INTEGER NOT NULL REFERENCES sessions(id),
			agent_id    TEXT NOT NULL,
			name        TEXT,
			agent_type  TEXT,
			model       TEXT,
			color       TEXT,
			joined_at   INTEGER,
			UNIQUE(session_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   INTEGER NOT NULL REFERENCES sessions(id),
			inbox_owner  TEXT NOT NULL,
			from_agent   TEXT NOT NULL,
			message_type TEXT,
			raw_text     TEXT,
			parsed_json  TEXT,
			summary      TEXT,
			color        TEXT,
			is_read      INTEGER NOT NULL DEFAULT 0,
			timestamp    TEXT NOT NULL,
			UNIQUE(session_id, inbox_owner, from_agent, timestamp)
		)`,
		`CREATE TABLE IF NOT EXISTS session_tasks (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  INTEGER NOT NULL REFERENCES sessions(id),
			task_id     TEXT NOT NULL,
			subject     TEXT,
			description TEXT,
			active_form TEXT,
			status      TEXT,
			owner       TEXT,
			blocks      TEXT,
			blocked_by  TEXT,
			is_internal INTEGER NOT NULL DEFAULT 0,
			UNIQUE(session_id, task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, timestamp)`,
	},
}

// MySQL needs bounded VARCHAR columns for unique keys; lengths cover agent
// ids like "name@team" and RFC 3339 timestamps with room to spare.
var MySQL = Dialect{
	Name:          DriverMySQL,
	InsertIgnore:  "INSERT IGNORE INTO",
	InsertReplace: "REPLACE INTO",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id              BIGINT AUTO_INCREMENT PRIMARY KEY,
			team_name       VARCHAR(255) NOT NULL,
			description     TEXT,
			lead_agent_id   VARCHAR(255),
			created_at      BIGINT NOT NULL,
			ended_at        BIGINT,
			config_snapshot LONGTEXT NOT NULL,
			UNIQUE KEY uq_sessions_epoch (team_name, created_at)
		)`,
		`CREATE TABLE IF NOT EXISTS session_members (
			id          BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id  BIGINT NOT NULL,
			agent_id    VARCHAR(255) NOT NULL,
			name        VARCHAR(255),
			agent_type  VARCHAR(255),
			model       VARCHAR(255),
			color       VARCHAR(64),
			joined_at   BIGINT,
			UNIQUE KEY uq_members (session_id, agent_id),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			id           BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id   BIGINT NOT NULL,
			inbox_owner  VARCHAR(255) NOT NULL,
			from_agent   VARCHAR(255) NOT NULL,
			message_type VARCHAR(255),
			raw_text     LONGTEXT,
			parsed_json  LONGTEXT,
			summary      TEXT,
			color        VARCHAR(64),
			is_read      TINYINT NOT NULL DEFAULT 0,
			timestamp    VARCHAR(64) NOT NULL,
			UNIQUE KEY uq_messages (session_id, inbox_owner, from_agent, timestamp),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_tasks (
			id          BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id  BIGINT NOT NULL,
			task_id     VARCHAR(255) NOT NULL,
			subject     TEXT,
			description LONGTEXT,
			active_form TEXT,
			status      VARCHAR(64),
			owner       VARCHAR(255),
			blocks      TEXT,
			blocked_by  TEXT,
			is_internal TINYINT NOT NULL DEFAULT 0,
			UNIQUE KEY uq_tasks (session_id, task_id),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
	},
}
