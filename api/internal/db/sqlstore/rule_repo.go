// Package sqlstore is the database/sql rule repository for SQLite and MySQL,
// driven through sqlx. MySQL DSNs must carry parseTime=true.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

type dialect struct {
	schema []string
	upsert string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		schema: []string{
			`CREATE TABLE IF NOT EXISTS system_rules (
				id                  INTEGER PRIMARY KEY AUTOINCREMENT,
				app                 TEXT NOT NULL,
				ip                  TEXT NOT NULL,
				port                INTEGER NOT NULL,
				highest_system_load REAL NOT NULL DEFAULT -1,
				highest_cpu_usage   REAL NOT NULL DEFAULT -1,
				avg_rt              INTEGER NOT NULL DEFAULT -1,
				max_thread          INTEGER NOT NULL DEFAULT -1,
				qps                 REAL NOT NULL DEFAULT -1,
				created_at          DATETIME NOT NULL,
				modified_at         DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS system_rules_machine_idx ON system_rules (app, ip, port)`,
		},
		upsert: `
			INSERT INTO system_rules (id, app, ip, port, highest_system_load, highest_cpu_usage,
				avg_rt, max_thread, qps, created_at, modified_at)
			VALUES (:id, :app, :ip, :port, :highest_system_load, :highest_cpu_usage,
				:avg_rt, :max_thread, :qps, :created_at, :modified_at)
			ON CONFLICT (id) DO UPDATE SET
				app = excluded.app,
				ip = excluded.ip,
				port = excluded.port,
				highest_system_load = excluded.highest_system_load,
				highest_cpu_usage = excluded.highest_cpu_usage,
				avg_rt = excluded.avg_rt,
				max_thread = excluded.max_thread,
				qps = excluded.qps,
				modified_at = excluded.modified_at
		`,
	},
	DriverMySQL: {
		schema: []string{
			`CREATE TABLE IF NOT EXISTS system_rules (
				id                  BIGINT AUTO_INCREMENT PRIMARY KEY,
				app                 VARCHAR(255) NOT NULL,
				ip                  VARCHAR(64) NOT NULL,
				port                INT NOT NULL,
				highest_system_load DOUBLE NOT NULL DEFAULT -1,
				highest_cpu_usage   DOUBLE NOT NULL DEFAULT -1,
				avg_rt              BIGINT NOT NULL DEFAULT -1,
				max_thread          BIGINT NOT NULL DEFAULT -1,
				qps                 DOUBLE NOT NULL DEFAULT -1,
				created_at          DATETIME(6) NOT NULL,
				modified_at         DATETIME(6) NOT NULL,
				INDEX system_rules_machine_idx (app, ip, port)
			)`,
		},
		upsert: `
			INSERT INTO system_rules (id, app, ip, port, highest_system_load, highest_cpu_usage,
				avg_rt, max_thread, qps, created_at, modified_at)
			VALUES (:id, :app, :ip, :port, :highest_system_load, :highest_cpu_usage,
				:avg_rt, :max_thread, :qps, :created_at, :modified_at)
			ON DUPLICATE KEY UPDATE
				app = VALUES(app),
				ip = VALUES(ip),
				port = VALUES(port),
				highest_system_load = VALUES(highest_system_load),
				highest_cpu_usage = VALUES(highest_cpu_usage),
				avg_rt = VALUES(avg_rt),
				max_thread = VALUES(max_thread),
				qps = VALUES(qps),
				modified_at = VALUES(modified_at)
		`,
	},
}

const insertRule = `
	INSERT INTO system_rules (app, ip, port, highest_system_load, highest_cpu_usage,
		avg_rt, max_thread, qps, created_at, modified_at)
	VALUES (:app, :ip, :port, :highest_system_load, :highest_cpu_usage,
		:avg_rt, :max_thread, :qps, :created_at, :modified_at)
`

const selectRules = `
	SELECT id, app, ip, port, highest_system_load, highest_cpu_usage,
	       avg_rt, max_thread, qps, created_at, modified_at
	FROM system_rules
`

// RuleRepository implements domain.RuleRepository over sqlx.
type RuleRepository struct {
	db      *sqlx.DB
	dialect dialect
}

// Open connects with driver and dsn and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*RuleRepository, error) {
	if _, ok := dialects[driver]; !ok {
		return nil, fmt.Errorf("unsupported rule store driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s rule store: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection also keeps
		// :memory: databases alive across calls.
		db.SetMaxOpenConns(1)
	}

	repo, err := NewRuleRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func NewRuleRepository(db *sqlx.DB) (*RuleRepository, error) {
	d, ok := dialects[db.DriverName()]
	if !ok {
		return nil, fmt.Errorf("unsupported rule store driver %q", db.DriverName())
	}
	return &RuleRepository{db: db, dialect: d}, nil
}

func (r *RuleRepository) Migrate(ctx context.Context) error {
	for _, stmt := range r.dialect.schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate system_rules: %w", err)
		}
	}
	return nil
}

func (r *RuleRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *RuleRepository) Close() error {
	return r.db.Close()
}

func (r *RuleRepository) FindByID(ctx context.Context, id int64) (*domain.SystemRule, error) {
	var rule domain.SystemRule
	err := r.db.GetContext(ctx, &rule, r.db.Rebind(selectRules+` WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load rule %d: %w", id, err)
	}
	return &rule, nil
}

func (r *RuleRepository) FindAllByMachine(ctx context.Context, machine domain.MachineIdentity) ([]domain.SystemRule, error) {
	return r.list(ctx, selectRules+` WHERE app = ? AND ip = ? AND port = ? ORDER BY id`,
		machine.App, machine.IP, machine.Port)
}

func (r *RuleRepository) FindAllByApp(ctx context.Context, app string) ([]domain.SystemRule, error) {
	return r.list(ctx, selectRules+` WHERE app = ? ORDER BY id`, app)
}

func (r *RuleRepository) Save(ctx context.Context, rule *domain.SystemRule) (*domain.SystemRule, error) {
	stored := *rule

	if stored.ID == 0 {
		res, err := r.db.NamedExecContext(ctx, insertRule, &stored)
		if err != nil {
			return nil, fmt.Errorf("failed to insert rule: %w", err)
		}
		if stored.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to read generated rule id: %w", err)
		}
		return &stored, nil
	}

	if _, err := r.db.NamedExecContext(ctx, r.dialect.upsert, &stored); err != nil {
		return nil, fmt.Errorf("failed to upsert rule %d: %w", stored.ID, err)
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
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM system_rules WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	return nil
}

func (r *RuleRepository) list(ctx context.Context, query string, args ...any) ([]domain.SystemRule, error) {
	rules := make([]domain.SystemRule, 0)
	if err := r.db.SelectContext(ctx, &rules, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	return rules, nil
}
