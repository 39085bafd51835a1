package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fleetlink/fleetlink/internal/protocol"
)

// SQLiteStore persists fleet state in an embedded SQLite database. It suits
// single-coordinator deployments that want durability without running a
// PostgreSQL server.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection keeps
	// the pragmas in force and makes task-claim transactions serialize
	// instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("unable to configure sqlite database: %w", err)
		}
	}

	if err := bootstrapSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("Opened SQLite store", "path", path)
	return &SQLiteStore{db: db}, nil
}

func bootstrapSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			ip TEXT NOT NULL,
			version TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			system_info TEXT NOT NULL DEFAULT '{}',
			token TEXT NOT NULL,
			status TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			last_heartbeat TIMESTAMP NOT NULL,
			latest_metrics TEXT,
			registered_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_tasks (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL,
			consumed_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tasks_pending ON agent_tasks(agent_id, status, created_at);`,
		`CREATE TABLE IF NOT EXISTS metrics_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			metrics TEXT NOT NULL,
			collected_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_history_agent ON metrics_history(agent_id, collected_at);`,
		`CREATE TABLE IF NOT EXISTS task_results (
			task_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			success INTEGER NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			completed_at TIMESTAMP NOT NULL
		);`,
	}

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("unable to bootstrap sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveAgent(ctx context.Context, rec AgentRecord) error {
	caps, err := json.Marshal(rec.Identity.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	sysInfo, err := json.Marshal(rec.Identity.SystemInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal system info: %w", err)
	}

	registeredAt := rec.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO agents (id, hostname, ip, version, capabilities, system_info,
		                    token, status, status_reason, last_heartbeat, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET
			hostname = excluded.hostname,
			ip = excluded.ip,
			version = excluded.version,
			capabilities = excluded.capabilities,
			system_info = excluded.system_info,
			token = excluded.token,
			status = excluded.status,
			status_reason = excluded.status_reason,
			last_heartbeat = excluded.last_heartbeat
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.Identity.ID,
		rec.Identity.Hostname,
		rec.Identity.IP,
		rec.Identity.Version,
		string(caps),
		string(sysInfo),
		rec.Token,
		string(rec.Status),
		rec.StatusReason,
		rec.LastHeartbeat,
		registeredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = 'online', status_reason = '', last_heartbeat = ? WHERE id = ?`,
		at, agentID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, agentID string, status protocol.Status, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, status_reason = ? WHERE id = ?`,
		string(status), reason, agentID)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return nil
}

func (s *SQLiteStore) SaveMetrics(ctx context.Context, agentID string, m protocol.Metrics) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin metrics transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE agents SET latest_metrics = ? WHERE id = ?`, string(payload), agentID)
	if err != nil {
		return fmt.Errorf("failed to update latest metrics: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO metrics_history (agent_id, metrics, collected_at) VALUES (?, ?, ?)`,
		agentID, string(payload), m.CollectedAt)
	if err != nil {
		return fmt.Errorf("failed to append metrics history: %w", err)
	}

	return tx.Commit()
}

// RemoveAgent deletes the agent row and everything keyed to it in one
// transaction, so a crash between statements cannot leave orphans.
func (s *SQLiteStore) RemoveAgent(ctx context.Context, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin removal transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_tasks WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to delete agent tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metrics_history WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to delete metrics history: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	query := `
		SELECT id, hostname, ip, version, capabilities, system_info,
		       token, status, status_reason, last_heartbeat, latest_metrics, registered_at
		FROM agents
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var (
			rec         AgentRecord
			caps        string
			sysInfo     string
			status      string
			metricsJSON sql.NullString
		)
		if err := rows.Scan(
			&rec.Identity.ID,
			&rec.Identity.Hostname,
			&rec.Identity.IP,
			&rec.Identity.Version,
			&caps,
			&sysInfo,
			&rec.Token,
			&status,
			&rec.StatusReason,
			&rec.LastHeartbeat,
			&metricsJSON,
			&rec.RegisteredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}

		rec.Status = protocol.Status(status)
		if err := json.Unmarshal([]byte(caps), &rec.Identity.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
		if err := json.Unmarshal([]byte(sysInfo), &rec.Identity.SystemInfo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal system info: %w", err)
		}
		if metricsJSON.Valid && metricsJSON.String != "" {
			var m protocol.Metrics
			if err := json.Unmarshal([]byte(metricsJSON.String), &m); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
			}
			rec.Metrics = &m
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EnqueueTask(ctx context.Context, agentID string, task protocol.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_tasks (id, agent_id, kind, payload, status, created_at)
		 VALUES (?, ?, ?, ?, 'pending', ?)`,
		task.ID, agentID, string(task.Kind), string(task.Payload), task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// PendingTasks claims the agent's pending rows inside one transaction, so two
// racing heartbeats cannot both observe the same task.
func (s *SQLiteStore) PendingTasks(ctx context.Context, agentID string) ([]protocol.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin task transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, kind, payload, created_at FROM agent_tasks
		 WHERE agent_id = ? AND status = 'pending'
		 ORDER BY created_at ASC`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}

	var tasks []protocol.Task
	for rows.Next() {
		var (
			t       protocol.Task
			kind    string
			payload string
		)
		if err := rows.Scan(&t.ID, &kind, &payload, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		t.Kind = protocol.TaskKind(kind)
		t.Payload = json.RawMessage(payload)
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(tasks) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_tasks SET status = 'consumed', consumed_at = ? WHERE id = ?`,
			now, t.ID); err != nil {
			return nil, fmt.Errorf("failed to mark task consumed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit task claim: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) SaveTaskResult(ctx context.Context, result protocol.TaskResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_results (task_id, agent_id, success, message, completed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (task_id)
		 DO UPDATE SET success = excluded.success, message = excluded.message, completed_at = excluded.completed_at`,
		result.TaskID, result.AgentID, result.Success, result.Message, result.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save task result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MetricsHistory(ctx context.Context, agentID string, limit int) ([]protocol.Metrics, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT metrics FROM metrics_history WHERE agent_id = ? ORDER BY collected_at DESC LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics history: %w", err)
	}
	defer rows.Close()

	var out []protocol.Metrics
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan metrics row: %w", err)
		}
		var m protocol.Metrics
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Open builds the store selected by kind: "postgres", "sqlite", or "memory".
// The dsn is the PostgreSQL URL or the SQLite file path; memory ignores it.
func Open(ctx context.Context, kind, dsn, schema string) (Store, error) {
	switch kind {
	case "postgres":
		if err := RunMigrations(dsn, schema); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		return NewPostgresStore(ctx, dsn, schema)
	case "sqlite":
		if dsn == "" {
			return nil, errors.New("sqlite store requires a database path")
		}
		return NewSQLiteStore(dsn)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}
