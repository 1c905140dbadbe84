package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

const schema = `
	CREATE TABLE IF NOT EXISTS system_rules (
		id                  BIGSERIAL PRIMARY KEY,
		app                 TEXT NOT NULL,
		ip                  TEXT NOT NULL,
		port                INTEGER NOT NULL,
		highest_system_load DOUBLE PRECISION NOT NULL DEFAULT -1,
		highest_cpu_usage   DOUBLE PRECISION NOT NULL DEFAULT -1,
		avg_rt              BIGINT NOT NULL DEFAULT -1,
		max_thread          BIGINT NOT NULL DEFAULT -1,
		qps                 DOUBLE PRECISION NOT NULL DEFAULT -1,
		created_at          TIMESTAMPTZ NOT NULL,
		modified_at         TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS system_rules_machine_idx ON system_rules (app, ip, port);
`

// advanceSequence moves the id sequence to $1 only when $1 is beyond every
// value it has issued. The sequence name is the BIGSERIAL default.
const advanceSequence = `
	SELECT setval('system_rules_id_seq', $1::bigint, true)
	FROM system_rules_id_seq
	WHERE $1::bigint > CASE WHEN is_called THEN last_value ELSE last_value - 1 END
`

const selectColumns = `
	SELECT id, app, ip, port, highest_system_load, highest_cpu_usage,
	       avg_rt, max_thread, qps, created_at, modified_at
	FROM system_rules
`

// NewPool opens the pgx connection pool and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return pool, nil
}

// RuleRepository implements domain.RuleRepository for PostgreSQL.
type RuleRepository struct {
	pool *pgxpool.Pool
}

func NewRuleRepository(pool *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{pool: pool}
}

// Migrate creates the table when it does not exist yet.
func (r *RuleRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate system_rules: %w", err)
	}
	return nil
}

func (r *RuleRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *RuleRepository) FindByID(ctx context.Context, id int64) (*domain.SystemRule, error) {
	rows, err := r.pool.Query(ctx, selectColumns+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule %d: %w", id, err)
	}

	rule, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[domain.SystemRule])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound // Return a domain-specific error, not a SQL error
		}
		return nil, fmt.Errorf("failed to scan rule %d: %w", id, err)
	}
	return &rule, nil
}

func (r *RuleRepository) FindAllByMachine(ctx context.Context, machine domain.MachineIdentity) ([]domain.SystemRule, error) {
	return r.list(ctx, selectColumns+` WHERE app = $1 AND ip = $2 AND port = $3 ORDER BY id`,
		machine.App, machine.IP, machine.Port)
}

func (r *RuleRepository) FindAllByApp(ctx context.Context, app string) ([]domain.SystemRule, error) {
	return r.list(ctx, selectColumns+` WHERE app = $1 ORDER BY id`, app)
}

// Save inserts a new rule and scans the generated id back, or upserts a rule
// that already carries an id.
func (r *RuleRepository) Save(ctx context.Context, rule *domain.SystemRule) (*domain.SystemRule, error) {
	stored := *rule

	if stored.ID == 0 {
		const insert = `
			INSERT INTO system_rules (app, ip, port, highest_system_load, highest_cpu_usage,
				avg_rt, max_thread, qps, created_at, modified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`
		err := r.pool.QueryRow(ctx, insert,
			stored.App, stored.IP, stored.Port,
			stored.HighestSystemLoad, stored.HighestCPUUsage,
			stored.AvgRT, stored.MaxThread, stored.QPS,
			stored.CreatedAt, stored.ModifiedAt,
		).Scan(&stored.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert rule: %w", err)
		}
		return &stored, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsert = `
		INSERT INTO system_rules (id, app, ip, port, highest_system_load, highest_cpu_usage,
			avg_rt, max_thread, qps, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			app = EXCLUDED.app,
			ip = EXCLUDED.ip,
			port = EXCLUDED.port,
			highest_system_load = EXCLUDED.highest_system_load,
			highest_cpu_usage = EXCLUDED.highest_cpu_usage,
			avg_rt = EXCLUDED.avg_rt,
			max_thread = EXCLUDED.max_thread,
			qps = EXCLUDED.qps,
			modified_at = EXCLUDED.modified_at
	`
	if _, err := tx.Exec(ctx, upsert,
		stored.ID, stored.App, stored.IP, stored.Port,
		stored.HighestSystemLoad, stored.HighestCPUUsage,
		stored.AvgRT, stored.MaxThread, stored.QPS,
		stored.CreatedAt, stored.ModifiedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to upsert rule %d: %w", stored.ID, err)
	}

	// Explicit ids bypass BIGSERIAL. The sequence only ever moves forward past
	// them, so deleted ids are never handed out again.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('system_rules_id_seq'))`); err != nil {
		return nil, fmt.Errorf("failed to lock id sequence: %w", err)
	}
	if _, err := tx.Exec(ctx, advanceSequence, stored.ID); err != nil {
		return nil, fmt.Errorf("failed to advance id sequence: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit upsert of rule %d: %w", stored.ID, err)
	}
	return &stored, nil
}

func (r *RuleRepository) SaveAll(ctx context.Context, rules []domain.SystemRule) ([]domain.SystemRule, error) {
	saved := make([]domain.SystemRule, 0, len(rules))
	for i := range rules {
		s, err := r.Save(ctx, &rules[i])
		if err != nil {
			return saved, err
		}
		saved = append(saved, *s)
	}
	return saved, nil
}

func (r *RuleRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM system_rules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	return nil
}

func (r *RuleRepository) list(ctx context.Context, query string, args ...any) ([]domain.SystemRule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}

	rules, err := pgx.CollectRows(rows, pgx.RowToStructByName[domain.SystemRule])
	if err != nil {
		return nil, fmt.Errorf("failed to scan rules: %w", err)
	}
	return rules, nil
}
