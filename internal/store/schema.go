package store

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	worker_name TEXT NOT NULL DEFAULT '',
	adapter_kind TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'idle',
	event_count INTEGER NOT NULL DEFAULT 0,
	last_event_index INTEGER NOT NULL DEFAULT -1,
	last_message_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_workspace_id ON sessions(workspace_id);
CREATE INDEX IF NOT EXISTS idx_sessions_task_id ON sessions(task_id);
CREATE INDEX IF NOT EXISTS idx_sessions_last_message_at ON sessions(last_message_at DESC);

CREATE TABLE IF NOT EXISTS events (
	session_id TEXT NOT NULL,
	event_index INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	workspace_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, event_index),
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_events_by_session ON events(session_id, event_index);
`
