// Package memory is the process-local rule repository. Rules live only as
// long as the process; it is the default store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

// RuleRepository implements domain.RuleRepository over a guarded map.
type RuleRepository struct {
	mu     sync.RWMutex
	rules  map[int64]domain.SystemRule
	nextID int64
}

func NewRuleRepository() *RuleRepository {
	return &RuleRepository{
		rules:  make(map[int64]domain.SystemRule),
		nextID: 1,
	}
}

func (r *RuleRepository) FindByID(_ context.Context, id int64) (*domain.SystemRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rule, nil
}

func (r *RuleRepository) FindAllByMachine(_ context.Context, machine domain.MachineIdentity) ([]domain.SystemRule, error) {
	return r.collect(func(rule domain.SystemRule) bool {
		return rule.Machine() == machine
	}), nil
}

func (r *RuleRepository) FindAllByApp(_ context.Context, app string) ([]domain.SystemRule, error) {
	return r.collect(func(rule domain.SystemRule) bool {
		return rule.App == app
	}), nil
}

// Save assigns the next id to a new rule. An explicit id is stored as given
// and pushes the id sequence past it, so ids are never handed out twice.
func (r *RuleRepository) Save(_ context.Context, rule *domain.SystemRule) (*domain.SystemRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *rule
	if stored.ID == 0 {
		stored.ID = r.nextID
	}
	if stored.ID >= r.nextID {
		r.nextID = stored.ID + 1
	}
	r.rules[stored.ID] = stored
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

func (r *RuleRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rules, id)
	return nil
}

// collect returns matching rules ordered by id.
func (r *RuleRepository) collect(match func(domain.SystemRule) bool) []domain.SystemRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.SystemRule, 0)
	for _, rule := range r.rules {
		if match(rule) {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
