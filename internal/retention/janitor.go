// Package retention periodically purges old exchange and audit rows so
// the hot store does not grow without bound. The janitor runs as a
// background goroutine and respects context cancellation for graceful
// shutdown. Quotas, profiles, and the content tree are never touched.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/infobot/infobot/internal/store"
)

// DefaultExchangeRetentionDays is how long completed exchanges are kept.
const DefaultExchangeRetentionDays = 90

// DefaultAuditRetentionDays is how long audit entries are kept.
const DefaultAuditRetentionDays = 30

// Janitor purges expired exchanges and audit entries on an interval.
type Janitor struct {
	store    store.Store
	interval time.Duration

	exchangeTTL time.Duration
	auditTTL    time.Duration
}

// NewJanitor creates a retention janitor. Non-positive day counts fall
// back to the defaults; a zero TTL would purge everything on the first
// cycle, which is never what an operator means.
func NewJanitor(s store.Store, interval time.Duration, exchangeDays, auditDays int) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if exchangeDays <= 0 {
		exchangeDays = DefaultExchangeRetentionDays
	}
	if auditDays <= 0 {
		auditDays = DefaultAuditRetentionDays
	}
	return &Janitor{
		store:       s,
		interval:    interval,
		exchangeTTL: time.Duration(exchangeDays) * 24 * time.Hour,
		auditTTL:    time.Duration(auditDays) * 24 * time.Hour,
	}
}

// Start runs the janitor until ctx is canceled. One cycle runs
// immediately so a long interval does not delay the first purge.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("exchange_ttl", j.exchangeTTL).
		Dur("audit_ttl", j.auditTTL).
		Msg("retention janitor started")

	j.RunCycle(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle purges expired rows once. Failures are logged and the next
// cycle retries; nothing is retried within a cycle.
func (j *Janitor) RunCycle(ctx context.Context) {
	now := time.Now().UTC()

	exchanges, err := j.store.DeleteExchangesBefore(ctx, now.Add(-j.exchangeTTL))
	if err != nil {
		log.Error().Err(err).Msg("retention: purging exchanges failed")
	}
	audits, err := j.store.DeleteAuditBefore(ctx, now.Add(-j.auditTTL))
	if err != nil {
		log.Error().Err(err).Msg("retention: purging audit entries failed")
	}

	if exchanges > 0 || audits > 0 {
		log.Info().
			Int("exchanges", exchanges).
			Int("audit_entries", audits).
			Msg("retention cycle complete")
	}
}
