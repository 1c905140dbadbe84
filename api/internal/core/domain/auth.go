package domain

import (
	"context"
	"fmt"
	"slices"
)

// Action is the privilege a caller needs on an application's rules.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// AllActions is the full privilege set, used for admin tokens.
var AllActions = []Action{ActionRead, ActionWrite, ActionDelete}

// Principal is the authenticated caller of an engine operation.
type Principal interface {
	Subject() string
	// Authorize fails with ErrUnauthorized when the principal may not
	// perform action on the rules of app.
	Authorize(app string, action Action) error
}

// Operator is the token-backed principal. Apps holds exact application
// names or "*" for every application.
type Operator struct {
	Name    string   `json:"sub"`
	Apps    []string `json:"apps"`
	Actions []Action `json:"actions"`
}

func (o *Operator) Subject() string {
	return o.Name
}

func (o *Operator) Authorize(app string, action Action) error {
	if !slices.Contains(o.Actions, action) {
		return fmt.Errorf("%w: %s may not %s rules", ErrUnauthorized, o.Name, action)
	}
	if slices.Contains(o.Apps, "*") || (app != "" && slices.Contains(o.Apps, app)) {
		return nil
	}
	return fmt.Errorf("%w: %s has no access to app %q", ErrUnauthorized, o.Name, app)
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller, or ErrUnauthorized when the
// context was never authenticated.
func PrincipalFromContext(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: no authenticated principal", ErrUnauthorized)
	}
	return p, nil
}
