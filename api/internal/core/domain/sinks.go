package domain

import "context"

// RuleProvider reads an application's rules from the external config store.
type RuleProvider interface {
	// GetRules fails with ErrSinkUnavailable on transport or parse errors.
	// An application with no stored document has no rules.
	GetRules(ctx context.Context, app string) ([]SystemRule, error)
}

// RulePublisher replaces an application's rules in the external config store.
type RulePublisher interface {
	// Publish fails with ErrSinkUnavailable. The engine never surfaces it.
	Publish(ctx context.Context, app string, rules []SystemRule) error
}

// RuleStore is a config store that can be both read and written.
type RuleStore interface {
	RuleProvider
	RulePublisher
}

// MachinePusher delivers a machine's full rule set to the live instance.
// It reports success instead of returning an error.
type MachinePusher interface {
	PushRules(ctx context.Context, machine MachineIdentity, rules []SystemRule) bool
}
