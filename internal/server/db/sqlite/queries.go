package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kihw/selfstart/internal/server/db"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// executor abstracts *sql.DB and *sql.Tx for shared query logic.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	exec executor
}

var _ db.Queries = (*queries)(nil)

func (q *queries) Targets() db.TargetRepository {
	return &targetRepository{exec: q.exec}
}

func (q *queries) Backends() db.BackendRepository {
	return &backendRepository{exec: q.exec}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type targetRepository struct {
	exec executor
}

var _ db.TargetRepository = (*targetRepository)(nil)

func (r *targetRepository) Upsert(ctx context.Context, target db.TargetRecord) error {
	_, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO proxy_targets (name, rule, enabled, sticky_sessions, circuit_breaker_threshold, tls_enabled, discovered)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(name) DO UPDATE SET
            rule = excluded.rule,
            enabled = excluded.enabled,
            sticky_sessions = excluded.sticky_sessions,
            circuit_breaker_threshold = excluded.circuit_breaker_threshold,
            tls_enabled = excluded.tls_enabled,
            discovered = excluded.discovered,
            updated_at = CURRENT_TIMESTAMP;`,
		target.Name,
		target.Rule,
		target.Enabled,
		target.StickySessions,
		target.CircuitBreakerThreshold,
		target.TLSEnabled,
		target.Discovered,
	)
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

func (r *targetRepository) GetByName(ctx context.Context, name string) (*db.TargetRecord, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT name, rule, enabled, sticky_sessions, circuit_breaker_threshold, tls_enabled, discovered, created_at, updated_at FROM proxy_targets WHERE name = ?;`, name)
	target, err := scanTarget(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &target, nil
}

func (r *targetRepository) List(ctx context.Context) ([]db.TargetRecord, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT name, rule, enabled, sticky_sessions, circuit_breaker_threshold, tls_enabled, discovered, created_at, updated_at FROM proxy_targets ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var result []db.TargetRecord
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, target)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return result, nil
}

func (r *targetRepository) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if _, err := r.exec.ExecContext(ctx, `UPDATE proxy_targets SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?;`, enabled, name); err != nil {
		return fmt.Errorf("update target enabled: %w", err)
	}
	return nil
}

func (r *targetRepository) Delete(ctx context.Context, name string) error {
	if _, err := r.exec.ExecContext(ctx, `DELETE FROM proxy_targets WHERE name = ?;`, name); err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	return nil
}

func scanTarget(scanner rowScanner) (db.TargetRecord, error) {
	var (
		target    db.TargetRecord
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(
		&target.Name,
		&target.Rule,
		&target.Enabled,
		&target.StickySessions,
		&target.CircuitBreakerThreshold,
		&target.TLSEnabled,
		&target.Discovered,
		&createdAt,
		&updatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return db.TargetRecord{}, err
		}
		return db.TargetRecord{}, fmt.Errorf("scan target: %w", err)
	}
	target.CreatedAt = parseTimestamp(createdAt)
	target.UpdatedAt = parseTimestamp(updatedAt)
	return target, nil
}

type backendRepository struct {
	exec executor
}

var _ db.BackendRepository = (*backendRepository)(nil)

func (r *backendRepository) Upsert(ctx context.Context, backend db.BackendRecord) error {
	_, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO proxy_backends (target_name, address, weight, max_connections, health_check_path, health_check_interval_ms, health_check_timeout_ms)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(target_name, address) DO UPDATE SET
            weight = excluded.weight,
            max_connections = excluded.max_connections,
            health_check_path = excluded.health_check_path,
            health_check_interval_ms = excluded.health_check_interval_ms,
            health_check_timeout_ms = excluded.health_check_timeout_ms;`,
		backend.TargetName,
		backend.Address,
		backend.Weight,
		backend.MaxConnections,
		backend.HealthCheckPath,
		backend.HealthCheckInterval.Milliseconds(),
		backend.HealthCheckTimeout.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("upsert backend: %w", err)
	}
	return nil
}

func (r *backendRepository) ListByTarget(ctx context.Context, targetName string) ([]db.BackendRecord, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT target_name, address, weight, max_connections, health_check_path, health_check_interval_ms, health_check_timeout_ms, created_at FROM proxy_backends WHERE target_name = ? ORDER BY created_at ASC, address ASC;`, targetName)
	if err != nil {
		return nil, fmt.Errorf("query backends: %w", err)
	}
	defer rows.Close()

	var result []db.BackendRecord
	for rows.Next() {
		var (
			backend    db.BackendRecord
			intervalMS int64
			timeoutMS  int64
			createdAt  string
		)
		if err := rows.Scan(
			&backend.TargetName,
			&backend.Address,
			&backend.Weight,
			&backend.MaxConnections,
			&backend.HealthCheckPath,
			&intervalMS,
			&timeoutMS,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan backend: %w", err)
		}
		backend.HealthCheckInterval = time.Duration(intervalMS) * time.Millisecond
		backend.HealthCheckTimeout = time.Duration(timeoutMS) * time.Millisecond
		backend.CreatedAt = parseTimestamp(createdAt)
		result = append(result, backend)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backends: %w", err)
	}
	return result, nil
}

func (r *backendRepository) Delete(ctx context.Context, targetName, address string) error {
	if _, err := r.exec.ExecContext(ctx, `DELETE FROM proxy_backends WHERE target_name = ? AND address = ?;`, targetName, address); err != nil {
		return fmt.Errorf("delete backend: %w", err)
	}
	return nil
}

func (r *backendRepository) DeleteByTarget(ctx context.Context, targetName string) error {
	if _, err := r.exec.ExecContext(ctx, `DELETE FROM proxy_backends WHERE target_name = ?;`, targetName); err != nil {
		return fmt.Errorf("delete backends for target: %w", err)
	}
	return nil
}

func parseTimestamp(raw string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
