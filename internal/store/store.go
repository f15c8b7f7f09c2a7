// Package store provides the persistent storage interface and implementations
// for the bot core. The in-memory store backs tests and local development;
// PostgreSQL backs production deployments.
package store

import (
	"context"
	"time"

	"github.com/infobot/infobot/pkg/models"
)

// Store is the primary storage interface consumed by the dispatcher and
// the LLM orchestrator. Handler code depends only on this interface so
// the in-memory and PostgreSQL implementations stay interchangeable.
type Store interface {
	ProfileStore
	QuotaStore
	SwitchStore
	ExchangeStore
	AuditStore
	FeedbackStore
	ModelCatalogStore
	ContentStore
	ImageStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates the schema. Idempotent.
	Migrate(ctx context.Context) error
}

// ── Profile Store ───────────────────────────────────────────

// ProfileStore manages per-user profile records. Profiles are created
// lazily on first contact and never deleted.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	UpsertProfile(ctx context.Context, profile *models.UserProfile) error
	ListProfiles(ctx context.Context, offset, limit int) ([]models.UserProfile, error)
	CountProfiles(ctx context.Context) (int, error)

	// SetProfileModel sets the per-user model override (empty clears it).
	SetProfileModel(ctx context.Context, userID, model string) error

	// SetProfileLLMEnabled flips the per-user half of the feature switch.
	SetProfileLLMEnabled(ctx context.Context, userID string, enabled bool) error
}

// ── Quota Store ─────────────────────────────────────────────

// QuotaStore persists per-user usage counters. Implementations must make
// EnsureQuota and ConsumeQuota safe under concurrent calls for the same
// user: at most one row is ever created, and two concurrent consumes at
// used == limit-1 must not both succeed.
type QuotaStore interface {
	GetQuota(ctx context.Context, userID string) (*models.Quota, error)

	// EnsureQuota fetches the quota row, creating it with used=0 and the
	// given limit if absent.
	EnsureQuota(ctx context.Context, userID string, defaultLimit int) (*models.Quota, error)

	// ConsumeQuota atomically increments used iff used < limit.
	// Returns false with no mutation when the quota is exhausted.
	ConsumeQuota(ctx context.Context, userID string) (bool, error)

	// ReleaseQuota undoes one ConsumeQuota, flooring at zero. Used to
	// release an optimistic reservation after a failed gateway call.
	ReleaseQuota(ctx context.Context, userID string) error

	// SetQuotaLimit overrides the limit, creating the row with used=0
	// if absent. Used is never touched.
	SetQuotaLimit(ctx context.Context, userID string, limit int) error
}

// ── Feature Switch Store ────────────────────────────────────

// SwitchStore persists the single global LLM switch. The per-user half
// lives on the profile (ProfileStore.SetProfileLLMEnabled).
type SwitchStore interface {
	// GetGlobalSwitch returns the global flag, materializing the row as
	// enabled on first read if no record exists.
	GetGlobalSwitch(ctx context.Context) (bool, error)
	SetGlobalSwitch(ctx context.Context, enabled bool) error
}

// ── Exchange Store ──────────────────────────────────────────

// ExchangeStore persists completed LLM exchanges, append-only. The
// retention janitor is the only deleter.
type ExchangeStore interface {
	AppendExchange(ctx context.Context, exchange *models.Exchange) error
	ListExchanges(ctx context.Context, userID string, limit int) ([]models.Exchange, error)

	// DeleteExchangesBefore drops exchanges older than cutoff and
	// returns how many rows were removed.
	DeleteExchangesBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	AppendAudit(ctx context.Context, userID, message string) error

	// DeleteAuditBefore drops audit entries older than cutoff and
	// returns how many rows were removed.
	DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ── Feedback Store ──────────────────────────────────────────

type FeedbackStore interface {
	AppendFeedback(ctx context.Context, userID, message string) error
}

// ── Model Catalog Store ─────────────────────────────────────

// ModelCatalogStore manages the admin-maintained list of assignable models.
type ModelCatalogStore interface {
	ListModels(ctx context.Context) ([]models.LLMModel, error)
	GetModelByName(ctx context.Context, name string) (*models.LLMModel, error)

	// CreateModel adds a catalog entry. Returns ErrConflict when a model
	// with the same name already exists.
	CreateModel(ctx context.Context, model *models.LLMModel) error
}

// ── Content Store ───────────────────────────────────────────

// ContentStore serves the static category/subtopic tree. Read-mostly from
// the core's perspective; the create operations exist for seeding and tests.
// Listings are ordered by display_order, ties broken by id.
type ContentStore interface {
	ListCategories(ctx context.Context) ([]models.Category, error)
	GetCategory(ctx context.Context, id int64) (*models.Category, error)
	GetCategoryByName(ctx context.Context, name string) (*models.Category, error)
	ListSubtopics(ctx context.Context, categoryID int64) ([]models.Subtopic, error)
	GetSubtopic(ctx context.Context, id int64) (*models.Subtopic, error)

	CreateCategory(ctx context.Context, category *models.Category) error
	CreateSubtopic(ctx context.Context, subtopic *models.Subtopic) error
}

// ── Image Store ─────────────────────────────────────────────

// ImageStore records uploaded image blobs (the bytes live in the object
// store; this is the bookkeeping row).
type ImageStore interface {
	AppendImage(ctx context.Context, userID, path string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when a create collides with an existing row.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}
