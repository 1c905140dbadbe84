package services_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/irgordon/rulesync/api/internal/core/domain"
	"github.com/irgordon/rulesync/api/internal/core/services"
	"github.com/irgordon/rulesync/api/internal/db/memory"
	"github.com/irgordon/rulesync/api/internal/telemetry"
)

// ==============================================================================
// Test doubles
// ==============================================================================

type publishCall struct {
	App   string
	Rules []domain.SystemRule
}

// recordingStore is a config store that records publishes and can be made
// to fail or hang.
type recordingStore struct {
	mu       sync.Mutex
	docs     map[string][]domain.SystemRule
	calls    []publishCall
	getErr   error
	pubErr   error
	blockPub chan struct{}
}

func newRecordingStore() *recordingStore {
	return &recordingStore{docs: make(map[string][]domain.SystemRule)}
}

func (s *recordingStore) GetRules(_ context.Context, app string) ([]domain.SystemRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return append([]domain.SystemRule{}, s.docs[app]...), nil
}

func (s *recordingStore) Publish(_ context.Context, app string, rules []domain.SystemRule) error {
	if s.blockPub != nil {
		<-s.blockPub // ignores the deadline on purpose
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, publishCall{App: app, Rules: append([]domain.SystemRule{}, rules...)})
	if s.pubErr != nil {
		return s.pubErr
	}
	s.docs[app] = rules
	return nil
}

func (s *recordingStore) Calls() []publishCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishCall{}, s.calls...)
}

type pushCall struct {
	Machine domain.MachineIdentity
	Rules   []domain.SystemRule
}

type recordingPusher struct {
	mu     sync.Mutex
	calls  []pushCall
	result bool
}

func (p *recordingPusher) PushRules(_ context.Context, machine domain.MachineIdentity, rules []domain.SystemRule) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{Machine: machine, Rules: append([]domain.SystemRule{}, rules...)})
	return p.result
}

func (p *recordingPusher) Calls() []pushCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushCall{}, p.calls...)
}

// flakyRepo wraps the memory repository with injectable failures.
type flakyRepo struct {
	*memory.RuleRepository
	saveErr    error
	deleteErr  error
	findAllErr error
}

func (r *flakyRepo) Delete(ctx context.Context, id int64) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}
	return r.RuleRepository.Delete(ctx, id)
}

func (r *flakyRepo) Save(ctx context.Context, rule *domain.SystemRule) (*domain.SystemRule, error) {
	if r.saveErr != nil {
		return nil, r.saveErr
	}
	return r.RuleRepository.Save(ctx, rule)
}

func (r *flakyRepo) SaveAll(ctx context.Context, rules []domain.SystemRule) ([]domain.SystemRule, error) {
	if r.saveErr != nil {
		return nil, r.saveErr
	}
	return r.RuleRepository.SaveAll(ctx, rules)
}

func (r *flakyRepo) FindAllByMachine(ctx context.Context, m domain.MachineIdentity) ([]domain.SystemRule, error) {
	if r.findAllErr != nil {
		return nil, r.findAllErr
	}
	return r.RuleRepository.FindAllByMachine(ctx, m)
}

type harness struct {
	svc     *services.SystemRuleService
	repo    *flakyRepo
	store   *recordingStore
	pusher  *recordingPusher
	metrics *telemetry.Metrics
}

var fixedNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func newHarness(t *testing.T, opts ...services.Option) *harness {
	t.Helper()
	h := &harness{
		repo:    &flakyRepo{RuleRepository: memory.NewRuleRepository()},
		store:   newRecordingStore(),
		pusher:  &recordingPusher{result: true},
		metrics: telemetry.NewMetrics(prometheus.NewRegistry()),
	}
	opts = append([]services.Option{
		services.WithMetrics(h.metrics),
		services.WithClock(func() time.Time { return fixedNow }),
		services.WithSinkTimeout(100 * time.Millisecond),
	}, opts...)
	h.svc = services.NewSystemRuleService(h.repo, h.store, h.pusher, zap.NewNop(), opts...)
	return h
}

func adminCtx() context.Context {
	return domain.WithPrincipal(context.Background(), &domain.Operator{
		Name:    "ops",
		Apps:    []string{"*"},
		Actions: domain.AllActions,
	})
}

var machineA = domain.MachineIdentity{App: "orders", IP: "10.0.0.5", Port: 8719}

func (h *harness) addQPS(t *testing.T, m domain.MachineIdentity, qps float64) *domain.SystemRule {
	t.Helper()
	rule, err := h.svc.AddRule(adminCtx(), m.App, m.IP, ptr(m.Port), domain.Thresholds{QPS: ptr(qps)})
	require.NoError(t, err)
	return rule
}

// ==============================================================================
// 1. AddRule
// ==============================================================================

func TestAddRule_SingleThreshold(t *testing.T) {
	// 1. Setup
	h := newHarness(t)

	// 2. Execution
	rule, err := h.svc.AddRule(adminCtx(), " orders ", "10.0.0.5", ptr(8719), domain.Thresholds{QPS: ptr(100.0)})

	// 3. Verification
	require.NoError(t, err)
	assert.NotZero(t, rule.ID)
	assert.Equal(t, "orders", rule.App)
	assert.Equal(t, 100.0, rule.QPS)
	assert.Equal(t, float64(domain.Unset), rule.HighestSystemLoad)
	assert.Equal(t, float64(domain.Unset), rule.HighestCPUUsage)
	assert.Equal(t, int64(domain.Unset), rule.AvgRT)
	assert.Equal(t, int64(domain.Unset), rule.MaxThread)
	assert.Equal(t, fixedNow, rule.CreatedAt)
	assert.Equal(t, fixedNow, rule.ModifiedAt)
	assert.Equal(t, []domain.ThresholdKind{domain.ThresholdQPS}, rule.ActiveThresholds())

	// 3a. Both sinks saw the machine's full set
	calls := h.store.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "orders", calls[0].App)
	assert.Equal(t, []domain.SystemRule{*rule}, calls[0].Rules)

	pushes := h.pusher.Calls()
	require.Len(t, pushes, 1)
	assert.Equal(t, machineA, pushes[0].Machine)
	assert.Equal(t, []domain.SystemRule{*rule}, pushes[0].Rules)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MutationsTotal.WithLabelValues("add", telemetry.OutcomeSuccess)))
}

func TestAddRule_NegativeValuesNormalised(t *testing.T) {
	h := newHarness(t)

	rule, err := h.svc.AddRule(adminCtx(), "orders", "10.0.0.5", ptr(8719),
		domain.Thresholds{MaxThread: ptr(int64(20)), AvgRT: ptr(int64(-5))})

	require.NoError(t, err)
	assert.Equal(t, int64(20), rule.MaxThread)
	assert.Equal(t, int64(domain.Unset), rule.AvgRT)
}

func TestAddRule_Rejections(t *testing.T) {
	cases := []struct {
		name string
		app  string
		ip   string
		port *int
		in   domain.Thresholds
		kind error
	}{
		{"Two thresholds", "orders", "10.0.0.5", ptr(8719), domain.Thresholds{QPS: ptr(100.0), AvgRT: ptr(int64(10))}, domain.ErrInvalidCombination},
		{"No threshold", "orders", "10.0.0.5", ptr(8719), domain.Thresholds{}, domain.ErrInvalidCombination},
		{"Cpu above one", "orders", "10.0.0.5", ptr(8719), domain.Thresholds{HighestCPUUsage: ptr(1.5)}, domain.ErrOutOfRange},
		{"Blank app", "  ", "10.0.0.5", ptr(8719), domain.Thresholds{QPS: ptr(1.0)}, domain.ErrMissingField},
		{"Missing ip", "orders", "", ptr(8719), domain.Thresholds{QPS: ptr(1.0)}, domain.ErrMissingField},
		{"Missing port", "orders", "10.0.0.5", nil, domain.Thresholds{QPS: ptr(1.0)}, domain.ErrMissingField},
		{"Port out of range", "orders", "10.0.0.5", ptr(70000), domain.Thresholds{QPS: ptr(1.0)}, domain.ErrOutOfRange},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)

			rule, err := h.svc.AddRule(adminCtx(), tc.app, tc.ip, tc.port, tc.in)

			assert.ErrorIs(t, err, tc.kind)
			assert.Nil(t, rule)
			assert.Empty(t, h.store.Calls())
			assert.Empty(t, h.pusher.Calls())

			saved, _ := h.repo.FindAllByApp(context.Background(), "orders")
			assert.Empty(t, saved)
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MutationsTotal.WithLabelValues("add", telemetry.OutcomeRejected)))
		})
	}
}

func TestAddRule_PersistenceFailure(t *testing.T) {
	h := newHarness(t)
	h.repo.saveErr = errors.New("disk full")

	_, err := h.svc.AddRule(adminCtx(), "orders", "10.0.0.5", ptr(8719), domain.Thresholds{QPS: ptr(1.0)})

	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, h.store.Calls())
	assert.Empty(t, h.pusher.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MutationsTotal.WithLabelValues("add", telemetry.OutcomeFailure)))
}

func TestAddRule_NonFiniteThresholdRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.AddRule(adminCtx(), "orders", "10.0.0.5", ptr(8719),
		domain.Thresholds{QPS: ptr(10.0), HighestSystemLoad: ptr(math.NaN())})

	assert.ErrorIs(t, err, domain.ErrOutOfRange)
	saved, err := h.repo.FindAllByMachine(context.Background(), machineA)
	require.NoError(t, err)
	assert.Empty(t, saved)
	assert.Empty(t, h.pusher.Calls())
}

// ==============================================================================
// 2. Fan-out
// ==============================================================================

func TestFanOut_BothSinksFailing(t *testing.T) {
	// 1. Setup
	h := newHarness(t)
	h.store.pubErr = errors.New("config store down")
	h.pusher.result = false

	// 2. Execution
	rule := h.addQPS(t, machineA, 50)

	// 3. Verification: the committed change survives
	stored, err := h.repo.FindByID(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, *rule, *stored)

	assert.Len(t, h.store.Calls(), 1)
	assert.Len(t, h.pusher.Calls(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SinkPushesTotal.WithLabelValues(services.SinkConfigStore, telemetry.OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SinkPushesTotal.WithLabelValues(services.SinkMachine, telemetry.OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MutationsTotal.WithLabelValues("add", telemetry.OutcomeSuccess)))
}

func TestFanOut_HungSinkDoesNotBlockCaller(t *testing.T) {
	// 1. Setup
	h := newHarness(t, services.WithSinkTimeout(50*time.Millisecond))
	h.store.blockPub = make(chan struct{})
	t.Cleanup(func() { close(h.store.blockPub) })

	// 2. Execution
	start := time.Now()
	rule := h.addQPS(t, machineA, 50)
	elapsed := time.Since(start)

	// 3. Verification
	assert.NotNil(t, rule)
	assert.Less(t, elapsed, time.Second)
	assert.Len(t, h.pusher.Calls(), 1, "the machine push is independent of the stuck store")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SinkPushesTotal.WithLabelValues(services.SinkConfigStore, telemetry.OutcomeFailure)))
}

func TestFanOut_SurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(adminCtx())

	rule, err := h.svc.AddRule(ctx, "orders", "10.0.0.5", ptr(8719), domain.Thresholds{QPS: ptr(1.0)})
	cancel()

	require.NoError(t, err)
	require.Len(t, h.store.Calls(), 1)
	assert.Equal(t, rule.ID, h.store.Calls()[0].Rules[0].ID)
}

func TestFanOut_ReadBackFailureSkipsSinks(t *testing.T) {
	h := newHarness(t)
	h.repo.findAllErr = errors.New("replica lag")

	rule := h.addQPS(t, machineA, 10)

	assert.NotZero(t, rule.ID)
	assert.Empty(t, h.store.Calls())
	assert.Empty(t, h.pusher.Calls())
}

func TestFanOut_MachineSetOnly(t *testing.T) {
	h := newHarness(t)
	other := domain.MachineIdentity{App: "orders", IP: "10.0.0.6", Port: 8719}

	h.addQPS(t, other, 5)
	rule := h.addQPS(t, machineA, 10)

	calls := h.store.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []domain.SystemRule{*rule}, calls[1].Rules)
}

func TestFanOut_AppScopePublishesWholeApp(t *testing.T) {
	h := newHarness(t, services.WithPublishScope(services.PublishScopeApp))
	other := domain.MachineIdentity{App: "orders", IP: "10.0.0.6", Port: 8719}

	first := h.addQPS(t, other, 5)
	second := h.addQPS(t, machineA, 10)

	calls := h.store.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []domain.SystemRule{*first, *second}, calls[1].Rules)

	// The live machine still only gets its own rules.
	pushes := h.pusher.Calls()
	require.Len(t, pushes, 2)
	assert.Equal(t, []domain.SystemRule{*second}, pushes[1].Rules)
}

// ==============================================================================
// 3. UpdateRule
// ==============================================================================

func TestUpdateRule_AppliesSuppliedFields(t *testing.T) {
	// 1. Setup
	h := newHarness(t)
	rule := h.addQPS(t, machineA, 100)
	later := fixedNow.Add(time.Minute)
	h.svc = services.NewSystemRuleService(h.repo, h.store, h.pusher, zap.NewNop(),
		services.WithClock(func() time.Time { return later }))

	// 2. Execution
	updated, err := h.svc.UpdateRule(adminCtx(), rule.ID, domain.RuleUpdate{
		Thresholds: domain.Thresholds{AvgRT: ptr(int64(200)), QPS: ptr(80.0)},
	})

	// 3. Verification
	require.NoError(t, err)
	assert.Equal(t, rule.ID, updated.ID)
	assert.Equal(t, 80.0, updated.QPS)
	assert.Equal(t, int64(200), updated.AvgRT)
	assert.ElementsMatch(t, []domain.ThresholdKind{domain.ThresholdQPS, domain.ThresholdAvgRT}, updated.ActiveThresholds())
	assert.Equal(t, fixedNow, updated.CreatedAt)
	assert.Equal(t, later, updated.ModifiedAt)

	pushes := h.pusher.Calls()
	require.Len(t, pushes, 2)
	assert.Equal(t, []domain.SystemRule{*updated}, pushes[1].Rules)
}

func TestUpdateRule_OutOfRangeIsAllOrNothing(t *testing.T) {
	// 1. Setup
	h := newHarness(t)
	rule := h.addQPS(t, machineA, 100)

	// 2. Execution
	_, err := h.svc.UpdateRule(adminCtx(), rule.ID, domain.RuleUpdate{
		Thresholds: domain.Thresholds{QPS: ptr(5.0), HighestCPUUsage: ptr(1.5)},
	})

	// 3. Verification
	assert.ErrorIs(t, err, domain.ErrOutOfRange)

	stored, err := h.repo.FindByID(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, *rule, *stored)
	assert.Len(t, h.store.Calls(), 1, "no fan-out after the rejected update")
}

func TestUpdateRule_UnknownID(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.UpdateRule(adminCtx(), 999, domain.RuleUpdate{Thresholds: domain.Thresholds{QPS: ptr(1.0)}})

	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, h.store.Calls())
	assert.Empty(t, h.pusher.Calls())
}

func TestUpdateRule_MissingID(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.UpdateRule(adminCtx(), 0, domain.RuleUpdate{})

	assert.ErrorIs(t, err, domain.ErrMissingField)
}

func TestUpdateRule_MovesToAnotherApp(t *testing.T) {
	h := newHarness(t)
	rule := h.addQPS(t, machineA, 100)

	updated, err := h.svc.UpdateRule(adminCtx(), rule.ID, domain.RuleUpdate{App: ptr("  billing ")})

	require.NoError(t, err)
	assert.Equal(t, "billing", updated.App)

	// The new identity gets the rule, the old one an empty set.
	pushes := h.pusher.Calls()
	require.Len(t, pushes, 3)
	assert.Equal(t, "billing", pushes[1].Machine.App)
	assert.Equal(t, []domain.SystemRule{*updated}, pushes[1].Rules)
	assert.Equal(t, machineA, pushes[2].Machine)
	assert.Empty(t, pushes[2].Rules)

	calls := h.store.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "billing", calls[1].App)
	assert.Equal(t, "orders", calls[2].App)
	assert.Empty(t, calls[2].Rules)
}

func TestUpdateRule_PersistenceFailure(t *testing.T) {
	// 1. Setup
	h := newHarness(t)
	rule := h.addQPS(t, machineA, 100)
	h.repo.saveErr = errors.New("disk full")

	// 2. Execution
	_, err := h.svc.UpdateRule(adminCtx(), rule.ID, domain.RuleUpdate{Thresholds: domain.Thresholds{QPS: ptr(5.0)}})

	// 3. Verification
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Len(t, h.store.Calls(), 1)
	assert.Len(t, h.pusher.Calls(), 1)

	stored, err := h.repo.FindByID(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, *rule, *stored)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MutationsTotal.WithLabelValues("update", telemetry.OutcomeFailure)))
}

func TestUpdateRule_BlankAppIgnored(t *testing.T) {
	h := newHarness(t)
	rule := h.addQPS(t, machineA, 100)

	updated, err := h.svc.UpdateRule(adminCtx(), rule.ID, domain.RuleUpdate{App: ptr("   ")})

	require.NoError(t, err)
	assert.Equal(t, "orders", updated.App)
}

// ==============================================================================
// 4. DeleteRule
// ==============================================================================

func TestDeleteRule_RepublishesRemainingSet(t *testing.T) {
	// 1. Setup
	h := newHarness(t)
	rule := h.addQPS(t, machineA, 100)

	// 2. Execution
	id, err := h.svc.DeleteRule(adminCtx(), rule.ID)

	// 3. Verification
	require.NoError(t, err)
	assert.Equal(t, rule.ID, id)

	_, err = h.repo.FindByID(context.Background(), rule.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	calls := h.store.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[1].Rules, "the last rule's removal still reaches the config store")

	pushes := h.pusher.Calls()
	require.Len(t, pushes, 2)
	assert.Equal(t, machineA, pushes[1].Machine)
	assert.Empty(t, pushes[1].Rules)
}

func TestDeleteRule_PersistenceFailure(t *testing.T) {
	// 1. Setup
	h := newHarness(t)
	rule := h.addQPS(t, machineA, 100)
	h.repo.deleteErr = errors.New("connection reset")

	// 2. Execution
	_, err := h.svc.DeleteRule(adminCtx(), rule.ID)

	// 3. Verification
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Len(t, h.store.Calls(), 1)
	assert.Len(t, h.pusher.Calls(), 1)

	stored, err := h.repo.FindByID(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, *rule, *stored)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MutationsTotal.WithLabelValues("delete", telemetry.OutcomeFailure)))
}

func TestDeleteRule_UnknownIDIsIdempotent(t *testing.T) {
	h := newHarness(t)

	id, err := h.svc.DeleteRule(adminCtx(), 12345)

	require.NoError(t, err)
	assert.Equal(t, int64(12345), id)
	assert.Empty(t, h.store.Calls())
	assert.Empty(t, h.pusher.Calls())
}

func TestDeleteRule_MissingID(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.DeleteRule(adminCtx(), 0)

	assert.ErrorIs(t, err, domain.ErrMissingField)
}

// ==============================================================================
// 5. ListRules
// ==============================================================================

func TestListRules_FiltersAndSeedsRepository(t *testing.T) {
	// 1. Setup
	h := newHarness(t)
	h.store.docs["orders"] = []domain.SystemRule{
		{ID: 7, App: "orders", IP: "10.0.0.5", Port: 8719, QPS: 10, HighestSystemLoad: -1, HighestCPUUsage: -1, AvgRT: -1, MaxThread: -1},
		{ID: 8, App: "orders", IP: "10.0.0.6", Port: 8719, QPS: 20, HighestSystemLoad: -1, HighestCPUUsage: -1, AvgRT: -1, MaxThread: -1},
		{ID: 9, App: "orders", IP: "10.0.0.5", Port: 9000, QPS: 30, HighestSystemLoad: -1, HighestCPUUsage: -1, AvgRT: -1, MaxThread: -1},
	}

	// 2. Execution
	rules, err := h.svc.ListRules(adminCtx(), "orders", "10.0.0.5", ptr(8719))

	// 3. Verification
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, int64(7), rules[0].ID)

	stored, err := h.repo.FindByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 10.0, stored.QPS)

	// 3a. New ids never collide with the seeded one
	added := h.addQPS(t, machineA, 1)
	assert.Greater(t, added.ID, int64(7))
}

func TestListRules_Failures(t *testing.T) {
	t.Run("Config store unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.store.getErr = errors.New("timeout")

		_, err := h.svc.ListRules(adminCtx(), "orders", "10.0.0.5", ptr(8719))
		assert.ErrorIs(t, err, domain.ErrSinkUnavailable)
	})

	t.Run("Repository unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.store.docs["orders"] = []domain.SystemRule{{ID: 1, App: "orders", IP: "10.0.0.5", Port: 8719}}
		h.repo.saveErr = errors.New("read only")

		_, err := h.svc.ListRules(adminCtx(), "orders", "10.0.0.5", ptr(8719))
		assert.ErrorIs(t, err, domain.ErrPersistence)
	})

	t.Run("Missing port", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.svc.ListRules(adminCtx(), "orders", "10.0.0.5", nil)
		assert.ErrorIs(t, err, domain.ErrMissingField)
	})
}

// ==============================================================================
// 6. Authorization
// ==============================================================================

func TestAuthorization(t *testing.T) {
	h := newHarness(t)
	rule := h.addQPS(t, machineA, 100)

	reader := domain.WithPrincipal(context.Background(), &domain.Operator{
		Name: "viewer", Apps: []string{"orders"}, Actions: []domain.Action{domain.ActionRead},
	})
	outsider := domain.WithPrincipal(context.Background(), &domain.Operator{
		Name: "billing-team", Apps: []string{"billing"}, Actions: domain.AllActions,
	})

	t.Run("No principal", func(t *testing.T) {
		_, err := h.svc.AddRule(context.Background(), "orders", "10.0.0.5", ptr(8719), domain.Thresholds{QPS: ptr(1.0)})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)

		_, err = h.svc.DeleteRule(context.Background(), rule.ID)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("Read-only operator cannot write", func(t *testing.T) {
		_, err := h.svc.UpdateRule(reader, rule.ID, domain.RuleUpdate{Thresholds: domain.Thresholds{QPS: ptr(1.0)}})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)

		_, err = h.svc.DeleteRule(reader, rule.ID)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("Writer cannot move a rule into an app outside its scope", func(t *testing.T) {
		ordersWriter := domain.WithPrincipal(context.Background(), &domain.Operator{
			Name: "orders-team", Apps: []string{"orders"}, Actions: domain.AllActions,
		})

		_, err := h.svc.UpdateRule(ordersWriter, rule.ID, domain.RuleUpdate{App: ptr("billing")})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("Padded app name is trimmed before the check", func(t *testing.T) {
		rules, err := h.svc.ListRules(reader, " orders ", "10.0.0.5", ptr(8719))
		require.NoError(t, err)
		assert.Equal(t, []domain.SystemRule{*rule}, rules)
	})

	t.Run("Operator of another app", func(t *testing.T) {
		_, err := h.svc.ListRules(outsider, "orders", "10.0.0.5", ptr(8719))
		assert.ErrorIs(t, err, domain.ErrUnauthorized)

		_, err = h.svc.UpdateRule(outsider, rule.ID, domain.RuleUpdate{Thresholds: domain.Thresholds{QPS: ptr(1.0)}})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	stored, err := h.repo.FindByID(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, *rule, *stored)
	assert.Len(t, h.store.Calls(), 1)
}
