package adapters

import (
	"context"
	"slices"
	"sync"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

// MemoryRuleStore is an in-process config store. It backs single-node
// deployments and tests; published documents are lost on restart.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string][]domain.SystemRule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string][]domain.SystemRule)}
}

func (s *MemoryRuleStore) GetRules(_ context.Context, app string) ([]domain.SystemRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := slices.Clone(s.rules[app])
	if rules == nil {
		rules = []domain.SystemRule{}
	}
	return rules, nil
}

// Publish replaces the whole document of app.
func (s *MemoryRuleStore) Publish(_ context.Context, app string, rules []domain.SystemRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rules[app] = slices.Clone(rules)
	return nil
}
