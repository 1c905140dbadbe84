package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/irgordon/rulesync/api/internal/core/domain"
	"github.com/irgordon/rulesync/api/internal/telemetry"
)

// Sink labels used in logs, metrics and spans.
const (
	SinkConfigStore = "config_store"
	SinkMachine     = "machine"
)

// DefaultSinkTimeout bounds each fan-out attempt.
const DefaultSinkTimeout = 3 * time.Second

// PublishScope selects which rule set goes to the config store.
type PublishScope string

const (
	// PublishScopeMachine publishes the mutated machine's rules.
	PublishScopeMachine PublishScope = "machine"
	// PublishScopeApp publishes every rule of the mutated machine's app.
	PublishScopeApp PublishScope = "app"
)

// SystemRuleService is the rule synchronization engine: it authorizes,
// validates and commits one change, then fans the authoritative rule set
// out to the config store and the live machine.
type SystemRuleService struct {
	repo        domain.RuleRepository
	store       domain.RuleStore
	pusher      domain.MachinePusher
	logger      *zap.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
	sinkTimeout time.Duration
	scope       PublishScope
}

// Option customises a SystemRuleService.
type Option func(*SystemRuleService)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *SystemRuleService) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *SystemRuleService) { s.now = now }
}

func WithSinkTimeout(d time.Duration) Option {
	return func(s *SystemRuleService) {
		if d > 0 {
			s.sinkTimeout = d
		}
	}
}

func WithPublishScope(scope PublishScope) Option {
	return func(s *SystemRuleService) {
		if scope == PublishScopeApp || scope == PublishScopeMachine {
			s.scope = scope
		}
	}
}

func NewSystemRuleService(
	repo domain.RuleRepository,
	store domain.RuleStore,
	pusher domain.MachinePusher,
	logger *zap.Logger,
	opts ...Option,
) *SystemRuleService {
	s := &SystemRuleService{
		repo:        repo,
		store:       store,
		pusher:      pusher,
		logger:      logger,
		now:         time.Now,
		sinkTimeout: DefaultSinkTimeout,
		scope:       PublishScopeMachine,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ==============================================================================
// 1. Engine Operations
// ==============================================================================

// ListRules pulls the app's rules from the config store, keeps those bound to
// (ip, port) and re-seeds the authoritative repository with them.
func (s *SystemRuleService) ListRules(ctx context.Context, app, ip string, port *int) ([]domain.SystemRule, error) {
	ctx, span := telemetry.StartOperationSpan(ctx, "list", app)
	defer span.End()

	app, ip = strings.TrimSpace(app), strings.TrimSpace(ip)
	if err := s.authorize(ctx, app, domain.ActionRead); err != nil {
		return nil, s.finish("list", span, err)
	}
	if err := ValidateIdentity(app, ip, port); err != nil {
		return nil, s.finish("list", span, err)
	}

	rules, err := s.store.GetRules(ctx, app)
	if err != nil {
		s.logger.Error("Query machine system rules failed", zap.String("app", app), zap.Error(err))
		return nil, s.finish("list", span, fmt.Errorf("query rules of %s: %w", app, sinkError(err)))
	}

	machineRules := make([]domain.SystemRule, 0, len(rules))
	for _, r := range rules {
		if r.IP == ip && r.Port == *port {
			machineRules = append(machineRules, r)
		}
	}

	saved, err := s.repo.SaveAll(ctx, machineRules)
	if err != nil {
		s.logger.Error("Seeding repository from config store failed", zap.String("app", app), zap.Error(err))
		return nil, s.finish("list", span, persistenceError("save rules", err))
	}
	return saved, s.finish("list", span, nil)
}

// AddRule creates a rule with exactly one active threshold.
func (s *SystemRuleService) AddRule(ctx context.Context, app, ip string, port *int, t domain.Thresholds) (*domain.SystemRule, error) {
	ctx, span := telemetry.StartOperationSpan(ctx, "add", app)
	defer span.End()

	app, ip = strings.TrimSpace(app), strings.TrimSpace(ip)
	if err := s.authorize(ctx, app, domain.ActionWrite); err != nil {
		return nil, s.finish("add", span, err)
	}
	if err := ValidateIdentity(app, ip, port); err != nil {
		return nil, s.finish("add", span, err)
	}
	if err := ValidateNewRule(t); err != nil {
		return nil, s.finish("add", span, err)
	}

	now := s.now()
	rule := &domain.SystemRule{
		App:               app,
		IP:                ip,
		Port:              *port,
		HighestSystemLoad: floatOrUnset(t.HighestSystemLoad),
		HighestCPUUsage:   floatOrUnset(t.HighestCPUUsage),
		AvgRT:             intOrUnset(t.AvgRT),
		MaxThread:         intOrUnset(t.MaxThread),
		QPS:               floatOrUnset(t.QPS),
		CreatedAt:         now,
		ModifiedAt:        now,
	}

	saved, err := s.repo.Save(ctx, rule)
	if err != nil {
		s.logger.Error("Add system rule failed", zap.Stringer("machine", rule.Machine()), zap.Error(err))
		return nil, s.finish("add", span, persistenceError("save rule", err))
	}

	s.publishRules(ctx, saved.Machine())
	return saved, s.finish("add", span, nil)
}

// UpdateRule applies the supplied fields of u to rule id. Every supplied
// field is checked before any is applied.
func (s *SystemRuleService) UpdateRule(ctx context.Context, id int64, u domain.RuleUpdate) (*domain.SystemRule, error) {
	ctx, span := telemetry.StartOperationSpan(ctx, "update", "")
	defer span.End()

	if _, err := domain.PrincipalFromContext(ctx); err != nil {
		return nil, s.finish("update", span, err)
	}
	if id == 0 {
		return nil, s.finish("update", span, domain.NewFieldError(domain.ErrMissingField, "id", "can't be null"))
	}

	existing, err := s.find(ctx, id)
	if err != nil {
		return nil, s.finish("update", span, err)
	}
	span.SetAttributes(attribute.String("rulesync.app", existing.App))
	if err := s.authorize(ctx, existing.App, domain.ActionWrite); err != nil {
		return nil, s.finish("update", span, err)
	}
	if err := ValidateFieldUpdate(u); err != nil {
		return nil, s.finish("update", span, err)
	}

	rule := *existing
	applyUpdate(&rule, u)
	if rule.App != existing.App {
		// Moving a rule writes into the destination app as well.
		if err := s.authorize(ctx, rule.App, domain.ActionWrite); err != nil {
			return nil, s.finish("update", span, err)
		}
	}
	rule.ModifiedAt = s.now()

	saved, err := s.repo.Save(ctx, &rule)
	if err != nil {
		s.logger.Error("Update system rule failed", zap.Int64("id", id), zap.Error(err))
		return nil, s.finish("update", span, persistenceError("save rule", err))
	}

	s.publishRules(ctx, saved.Machine())
	if previous := existing.Machine(); previous != saved.Machine() {
		// The old identity must stop enforcing the moved rule.
		s.publishRules(ctx, previous)
	}
	return saved, s.finish("update", span, nil)
}

// DeleteRule removes rule id. An unknown id counts as already deleted.
func (s *SystemRuleService) DeleteRule(ctx context.Context, id int64) (int64, error) {
	ctx, span := telemetry.StartOperationSpan(ctx, "delete", "")
	defer span.End()

	if _, err := domain.PrincipalFromContext(ctx); err != nil {
		return 0, s.finish("delete", span, err)
	}
	if id == 0 {
		return 0, s.finish("delete", span, domain.NewFieldError(domain.ErrMissingField, "id", "can't be null"))
	}

	existing, err := s.find(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return id, s.finish("delete", span, nil)
	}
	if err != nil {
		return 0, s.finish("delete", span, err)
	}
	span.SetAttributes(attribute.String("rulesync.app", existing.App))
	if err := s.authorize(ctx, existing.App, domain.ActionDelete); err != nil {
		return 0, s.finish("delete", span, err)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		s.logger.Error("Delete system rule failed", zap.Int64("id", id), zap.Error(err))
		return 0, s.finish("delete", span, persistenceError("delete rule", err))
	}

	// The post-deletion set confirms the removal to both sinks.
	s.publishRules(ctx, existing.Machine())
	return id, s.finish("delete", span, nil)
}

// ==============================================================================
// 2. Fan-out
// ==============================================================================

// publishRules pushes the authoritative set of machine to both sinks. It never
// fails the caller: every problem is logged, counted and recorded on the span.
func (s *SystemRuleService) publishRules(ctx context.Context, machine domain.MachineIdentity) {
	// The fan-out runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	machineRules, err := s.repo.FindAllByMachine(ctx, machine)
	if err != nil {
		s.logger.Error("Read back of machine rules failed, fan-out skipped",
			zap.Stringer("machine", machine), zap.Error(err))
		return
	}

	storeRules, publishStore := machineRules, true
	if s.scope == PublishScopeApp {
		if storeRules, err = s.repo.FindAllByApp(ctx, machine.App); err != nil {
			s.logger.Error("Read back of app rules failed, config store skipped",
				zap.String("app", machine.App), zap.Error(err))
			publishStore = false
		}
	}

	var wg sync.WaitGroup
	if publishStore {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.attempt(ctx, SinkConfigStore, machine, len(storeRules), func(ctx context.Context) error {
				return s.store.Publish(ctx, machine.App, storeRules)
			})
			if err != nil {
				s.logger.Error("Publish system rules to config store failed",
					zap.String("app", machine.App), zap.Int("rules", len(storeRules)), zap.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := s.attempt(ctx, SinkMachine, machine, len(machineRules), func(ctx context.Context) error {
			if !s.pusher.PushRules(ctx, machine, machineRules) {
				return fmt.Errorf("%w: %s rejected or missed the push", domain.ErrSinkUnavailable, machine.Address())
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("Push system rules to machine failed",
				zap.Stringer("machine", machine), zap.Int("rules", len(machineRules)), zap.Error(err))
		}
	}()

	wg.Wait()
}

// attempt runs one sink call under the sink timeout. A call that ignores its
// deadline is abandoned; its late result is discarded.
func (s *SystemRuleService) attempt(ctx context.Context, sink string, machine domain.MachineIdentity, rules int, call func(context.Context) error) error {
	ctx, span := telemetry.StartSinkSpan(ctx, sink, machine, rules)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.sinkTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- call(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("%w: %s did not answer within %s", domain.ErrSinkUnavailable, sink, s.sinkTimeout)
	}

	s.metrics.RecordSinkPush(sink, err == nil, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// ==============================================================================
// 3. Helpers
// ==============================================================================

func (s *SystemRuleService) authorize(ctx context.Context, app string, action domain.Action) error {
	principal, err := domain.PrincipalFromContext(ctx)
	if err != nil {
		return err
	}
	if err := principal.Authorize(app, action); err != nil {
		s.logger.Warn("Rule access denied",
			zap.String("subject", principal.Subject()),
			zap.String("app", app),
			zap.String("action", string(action)))
		return err
	}
	return nil
}

func (s *SystemRuleService) find(ctx context.Context, id int64) (*domain.SystemRule, error) {
	rule, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("id %d does not exist: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, persistenceError("find rule", err)
	}
	return rule, nil
}

func (s *SystemRuleService) finish(operation string, span trace.Span, err error) error {
	if err == nil {
		s.metrics.RecordOperation(operation, telemetry.OutcomeSuccess)
		return nil
	}

	outcome := telemetry.OutcomeFailure
	if isRejection(err) {
		outcome = telemetry.OutcomeRejected
	}
	s.metrics.RecordOperation(operation, outcome)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func isRejection(err error) bool {
	for _, kind := range []error{
		domain.ErrMissingField, domain.ErrOutOfRange, domain.ErrInvalidCombination,
		domain.ErrNotFound, domain.ErrUnauthorized,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func applyUpdate(rule *domain.SystemRule, u domain.RuleUpdate) {
	if u.App != nil && strings.TrimSpace(*u.App) != "" {
		rule.App = strings.TrimSpace(*u.App)
	}
	if u.HighestSystemLoad != nil {
		rule.HighestSystemLoad = *u.HighestSystemLoad
	}
	if u.HighestCPUUsage != nil {
		rule.HighestCPUUsage = *u.HighestCPUUsage
	}
	if u.AvgRT != nil {
		rule.AvgRT = *u.AvgRT
	}
	if u.MaxThread != nil {
		rule.MaxThread = *u.MaxThread
	}
	if u.QPS != nil {
		rule.QPS = *u.QPS
	}
}

func floatOrUnset(v *float64) float64 {
	if v == nil || *v < 0 {
		return domain.Unset
	}
	return *v
}

func intOrUnset(v *int64) int64 {
	if v == nil || *v < 0 {
		return domain.Unset
	}
	return *v
}

func persistenceError(action string, err error) error {
	if errors.Is(err, domain.ErrPersistence) {
		return fmt.Errorf("%s: %w", action, err)
	}
	return fmt.Errorf("%s: %w: %w", action, domain.ErrPersistence, err)
}

func sinkError(err error) error {
	if errors.Is(err, domain.ErrSinkUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrSinkUnavailable, err)
}
