package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetlink/fleetlink/internal/protocol"
)

// PostgresStore persists fleet state in PostgreSQL behind a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, url string, schema string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2

	if schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = schema
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	slog.Info("Connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveAgent(ctx context.Context, rec AgentRecord) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id)
		DO UPDATE SET
			hostname = EXCLUDED.hostname,
			ip = EXCLUDED.ip,
			version = EXCLUDED.version,
			capabilities = EXCLUDED.capabilities,
			system_info = EXCLUDED.system_info,
			token = EXCLUDED.token,
			status = EXCLUDED.status,
			status_reason = EXCLUDED.status_reason,
			last_heartbeat = EXCLUDED.last_heartbeat
	`

	_, err = s.pool.Exec(ctx, query,
		rec.Identity.ID,
		rec.Identity.Hostname,
		rec.Identity.IP,
		rec.Identity.Version,
		caps,
		sysInfo,
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

func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = 'online', status_reason = '', last_heartbeat = $2 WHERE id = $1`,
		agentID, at)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, agentID string, status protocol.Status, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2, status_reason = $3 WHERE id = $1`,
		agentID, string(status), reason)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return nil
}

func (s *PostgresStore) SaveMetrics(ctx context.Context, agentID string, m protocol.Metrics) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin metrics transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE agents SET latest_metrics = $2 WHERE id = $1`, agentID, payload)
	if err != nil {
		return fmt.Errorf("failed to update latest metrics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO metrics_history (agent_id, metrics, collected_at) VALUES ($1, $2, $3)`,
		agentID, payload, m.CollectedAt)
	if err != nil {
		return fmt.Errorf("failed to append metrics history: %w", err)
	}

	return tx.Commit(ctx)
}

// RemoveAgent deletes the agent row and everything keyed to it in one
// transaction, so a crash between statements cannot leave orphans.
func (s *PostgresStore) RemoveAgent(ctx context.Context, agentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin removal transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM agents WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM agent_tasks WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("failed to delete agent tasks: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM metrics_history WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("failed to delete metrics history: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	query := `
		SELECT id, hostname, ip, version, capabilities, system_info,
		       token, status, status_reason, last_heartbeat, latest_metrics, registered_at
		FROM agents
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var (
			rec         AgentRecord
			caps        []byte
			sysInfo     []byte
			status      string
			metricsJSON []byte
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
		if err := json.Unmarshal(caps, &rec.Identity.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
		if err := json.Unmarshal(sysInfo, &rec.Identity.SystemInfo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal system info: %w", err)
		}
		if len(metricsJSON) > 0 {
			var m protocol.Metrics
			if err := json.Unmarshal(metricsJSON, &m); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
			}
			rec.Metrics = &m
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EnqueueTask(ctx context.Context, agentID string, task protocol.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_tasks (id, agent_id, kind, payload, status, created_at)
		 VALUES ($1, $2, $3, $4, 'pending', $5)`,
		task.ID, agentID, string(task.Kind), []byte(task.Payload), task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// PendingTasks claims every pending row for the agent in one statement.
// SKIP LOCKED keeps two racing heartbeats from both observing a task.
func (s *PostgresStore) PendingTasks(ctx context.Context, agentID string) ([]protocol.Task, error) {
	query := `
		WITH pending AS (
			SELECT id FROM agent_tasks
			WHERE agent_id = $1 AND status = 'pending'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
		)
		UPDATE agent_tasks t
		SET status = 'consumed', consumed_at = now()
		FROM pending
		WHERE t.id = pending.id
		RETURNING t.id, t.kind, t.payload, t.created_at
	`

	rows, err := s.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []protocol.Task
	for rows.Next() {
		var (
			t    protocol.Task
			kind string
		)
		if err := rows.Scan(&t.ID, &kind, &t.Payload, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		t.Kind = protocol.TaskKind(kind)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not guarantee order.
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *PostgresStore) SaveTaskResult(ctx context.Context, result protocol.TaskResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_results (task_id, agent_id, success, message, completed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (task_id)
		 DO UPDATE SET success = EXCLUDED.success, message = EXCLUDED.message, completed_at = EXCLUDED.completed_at`,
		result.TaskID, result.AgentID, result.Success, result.Message, result.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save task result: %w", err)
	}
	return nil
}

func (s *PostgresStore) MetricsHistory(ctx context.Context, agentID string, limit int) ([]protocol.Metrics, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT metrics FROM metrics_history WHERE agent_id = $1 ORDER BY collected_at DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics history: %w", err)
	}
	defer rows.Close()

	var out []protocol.Metrics
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan metrics row: %w", err)
		}
		var m protocol.Metrics
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
