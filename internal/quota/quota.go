// Package quota implements the persistent per-user usage ledger that
// gates LLM access.
//
// Callers use a reserve/commit/release protocol instead of a separate
// check-then-increment: Reserve atomically takes one unit before the
// gateway call, Release gives it back if the call fails. This closes the
// race where two concurrent requests at used == limit-1 both pass a
// plain check.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/infobot/infobot/internal/store"
	"github.com/infobot/infobot/pkg/models"
)

// ErrExhausted is returned by Reserve when the user has no quota left.
var ErrExhausted = errors.New("quota exhausted")

// Ledger arbitrates per-user LLM usage against the persistent store.
// Storage failures fail closed: no reservation, no LLM access.
type Ledger struct {
	store        store.QuotaStore
	defaultLimit int
}

// NewLedger creates a Ledger. defaultLimit seeds quota rows created
// lazily on a user's first LLM request.
func NewLedger(s store.QuotaStore, defaultLimit int) *Ledger {
	return &Ledger{store: s, defaultLimit: defaultLimit}
}

// Ensure fetches the user's quota, creating it with used=0 and the
// default limit on first LLM contact.
func (l *Ledger) Ensure(ctx context.Context, userID string) (*models.Quota, error) {
	q, err := l.store.EnsureQuota(ctx, userID, l.defaultLimit)
	if err != nil {
		return nil, fmt.Errorf("ensure quota for %s: %w", userID, err)
	}
	return q, nil
}

// Reserve atomically takes one usage unit. Returns ErrExhausted when
// used has reached the limit; any storage error is returned as-is so
// the caller fails closed.
func (l *Ledger) Reserve(ctx context.Context, userID string) error {
	if _, err := l.Ensure(ctx, userID); err != nil {
		return err
	}
	ok, err := l.store.ConsumeQuota(ctx, userID)
	if err != nil {
		return fmt.Errorf("reserve quota for %s: %w", userID, err)
	}
	if !ok {
		return ErrExhausted
	}
	return nil
}

// Release gives back a unit reserved for a gateway call that failed.
// Best-effort: on storage error the failure is logged and the unit
// stays consumed.
func (l *Ledger) Release(ctx context.Context, userID string) {
	if err := l.store.ReleaseQuota(ctx, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("quota release failed")
	}
}

// SetLimit is the administrative override; the row is created with
// used=0 if the user never made an LLM request.
func (l *Ledger) SetLimit(ctx context.Context, userID string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}
	if err := l.store.SetQuotaLimit(ctx, userID, limit); err != nil {
		return fmt.Errorf("set limit for %s: %w", userID, err)
	}
	return nil
}
