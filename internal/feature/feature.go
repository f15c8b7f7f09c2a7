// Package feature implements the two-level LLM switch: one global flag
// for the whole deployment, one per-user flag on the profile. Access is
// granted only when both are on.
package feature

import (
	"context"
	"fmt"

	"github.com/infobot/infobot/internal/store"
)

// Access is the result of evaluating both switch levels for one user.
type Access struct {
	Global bool
	User   bool
}

// Allowed reports the effective gate: global AND per-user.
func (a Access) Allowed() bool {
	return a.Global && a.User
}

// Gate reads and writes the switch through the persistent store.
// A storage failure always denies: the gate fails closed.
type Gate struct {
	switches store.SwitchStore
	profiles store.ProfileStore
}

// NewGate creates a Gate over the given store.
func NewGate(switches store.SwitchStore, profiles store.ProfileStore) *Gate {
	return &Gate{switches: switches, profiles: profiles}
}

// GlobalEnabled returns the deployment-wide flag. The backing row is
// materialized as enabled on first read.
func (g *Gate) GlobalEnabled(ctx context.Context) (bool, error) {
	enabled, err := g.switches.GetGlobalSwitch(ctx)
	if err != nil {
		return false, fmt.Errorf("read global switch: %w", err)
	}
	return enabled, nil
}

// SetGlobal flips the deployment-wide flag.
func (g *Gate) SetGlobal(ctx context.Context, enabled bool) error {
	if err := g.switches.SetGlobalSwitch(ctx, enabled); err != nil {
		return fmt.Errorf("set global switch: %w", err)
	}
	return nil
}

// UserEnabled returns the per-user flag from the profile.
func (g *Gate) UserEnabled(ctx context.Context, userID string) (bool, error) {
	profile, err := g.profiles.GetProfile(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("read profile switch for %s: %w", userID, err)
	}
	return profile.LLMEnabled, nil
}

// SetUserEnabled flips the per-user flag.
func (g *Gate) SetUserEnabled(ctx context.Context, userID string, enabled bool) error {
	if err := g.profiles.SetProfileLLMEnabled(ctx, userID, enabled); err != nil {
		return fmt.Errorf("set profile switch for %s: %w", userID, err)
	}
	return nil
}

// Effective evaluates both levels so the caller can tell the user which
// one denied access.
func (g *Gate) Effective(ctx context.Context, userID string) (Access, error) {
	global, err := g.GlobalEnabled(ctx)
	if err != nil {
		return Access{}, err
	}
	user, err := g.UserEnabled(ctx, userID)
	if err != nil {
		return Access{}, err
	}
	return Access{Global: global, User: user}, nil
}
