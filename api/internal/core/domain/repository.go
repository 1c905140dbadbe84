package domain

import "context"

// RuleRepository is the authoritative store of system rules.
// It alone assigns ids and decides last-write-wins ordering.
type RuleRepository interface {
	// FindByID returns ErrNotFound when the id does not exist.
	FindByID(ctx context.Context, id int64) (*SystemRule, error)

	FindAllByMachine(ctx context.Context, machine MachineIdentity) ([]SystemRule, error)
	FindAllByApp(ctx context.Context, app string) ([]SystemRule, error)

	// Save inserts when rule.ID is zero (assigning a new id), otherwise
	// upserts by id. The returned rule reflects the stored state.
	Save(ctx context.Context, rule *SystemRule) (*SystemRule, error)

	// SaveAll saves item by item. On failure it returns what was saved so far.
	SaveAll(ctx context.Context, rules []SystemRule) ([]SystemRule, error)

	// Delete is a no-op for an unknown id.
	Delete(ctx context.Context, id int64) error
}

// HealthChecker is implemented by repositories backed by a network store.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
