// Package store — in-memory Store implementation.
// Used in tests and local development when PostgreSQL is not available.
// Everything lives in process memory; production runs on PostgresStore.
package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/infobot/infobot/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu sync.RWMutex

	profiles   map[string]*models.UserProfile // key: user id
	quotas     map[string]*models.Quota       // key: user id
	exchanges  []*models.Exchange             // append-only
	audits     []*models.AuditEntry           // append-only
	feedbacks  []*models.Feedback             // append-only
	images     []*models.UserImage            // append-only
	catalog    map[string]*models.LLMModel    // key: model name
	categories map[int64]*models.Category     // key: id
	subtopics  map[int64]*models.Subtopic     // key: id

	// Global switch row. Materialized (enabled) on first read.
	globalSwitch    bool
	globalSwitchSet bool

	nextID int64 // shared sequence for synthetic row ids
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:   make(map[string]*models.UserProfile),
		quotas:     make(map[string]*models.Quota),
		catalog:    make(map[string]*models.LLMModel),
		categories: make(map[int64]*models.Category),
		subtopics:  make(map[int64]*models.Subtopic),
	}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Migrate is a no-op for the in-memory store.
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// nextSeq must be called with m.mu held.
func (m *MemoryStore) nextSeq() int64 {
	m.nextID++
	return m.nextID
}

// ── Profiles ────────────────────────────────────────────────

func (m *MemoryStore) GetProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, &ErrNotFound{Entity: "profile", Key: userID}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpsertProfile(_ context.Context, profile *models.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *profile
	if existing, ok := m.profiles[profile.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.profiles[profile.ID] = &cp
	return nil
}

func (m *MemoryStore) ListProfiles(_ context.Context, offset, limit int) ([]models.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]models.UserProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		all = append(all, *p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) CountProfiles(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.profiles), nil
}

func (m *MemoryStore) SetProfileModel(_ context.Context, userID, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[userID]
	if !ok {
		return &ErrNotFound{Entity: "profile", Key: userID}
	}
	p.LLMModel = model
	return nil
}

func (m *MemoryStore) SetProfileLLMEnabled(_ context.Context, userID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[userID]
	if !ok {
		return &ErrNotFound{Entity: "profile", Key: userID}
	}
	p.LLMEnabled = enabled
	return nil
}

// ── Quotas ──────────────────────────────────────────────────

func (m *MemoryStore) GetQuota(_ context.Context, userID string) (*models.Quota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.quotas[userID]
	if !ok {
		return nil, &ErrNotFound{Entity: "quota", Key: userID}
	}
	cp := *q
	return &cp, nil
}

func (m *MemoryStore) EnsureQuota(_ context.Context, userID string, defaultLimit int) (*models.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[userID]
	if !ok {
		q = &models.Quota{UserID: userID, Used: 0, Limit: defaultLimit}
		m.quotas[userID] = q
	}
	cp := *q
	return &cp, nil
}

func (m *MemoryStore) ConsumeQuota(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[userID]
	if !ok {
		return false, &ErrNotFound{Entity: "quota", Key: userID}
	}
	if q.Used >= q.Limit {
		return false, nil
	}
	q.Used++
	return true, nil
}

func (m *MemoryStore) ReleaseQuota(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[userID]
	if !ok {
		return &ErrNotFound{Entity: "quota", Key: userID}
	}
	if q.Used > 0 {
		q.Used--
	}
	return nil
}

func (m *MemoryStore) SetQuotaLimit(_ context.Context, userID string, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.quotas[userID]; ok {
		q.Limit = limit
		return nil
	}
	m.quotas[userID] = &models.Quota{UserID: userID, Used: 0, Limit: limit}
	return nil
}

// ── Global Switch ───────────────────────────────────────────

func (m *MemoryStore) GetGlobalSwitch(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.globalSwitchSet {
		m.globalSwitch = true
		m.globalSwitchSet = true
	}
	return m.globalSwitch, nil
}

func (m *MemoryStore) SetGlobalSwitch(_ context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.globalSwitch = enabled
	m.globalSwitchSet = true
	return nil
}

// ── Exchanges ───────────────────────────────────────────────

func (m *MemoryStore) AppendExchange(_ context.Context, exchange *models.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *exchange
	cp.ID = m.nextSeq()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.exchanges = append(m.exchanges, &cp)
	exchange.ID = cp.ID
	return nil
}

func (m *MemoryStore) ListExchanges(_ context.Context, userID string, limit int) ([]models.Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Exchange
	for i := len(m.exchanges) - 1; i >= 0; i-- {
		if m.exchanges[i].UserID != userID {
			continue
		}
		result = append(result, *m.exchanges[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteExchangesBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.exchanges[:0]
	removed := 0
	for _, e := range m.exchanges {
		if e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.exchanges = kept
	return removed, nil
}

// ── Audit / Feedback / Images ───────────────────────────────

func (m *MemoryStore) AppendAudit(_ context.Context, userID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audits = append(m.audits, &models.AuditEntry{
		ID:        m.nextSeq(),
		UserID:    userID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *MemoryStore) DeleteAuditBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.audits[:0]
	removed := 0
	for _, a := range m.audits {
		if a.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	m.audits = kept
	return removed, nil
}

func (m *MemoryStore) AppendFeedback(_ context.Context, userID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.feedbacks = append(m.feedbacks, &models.Feedback{
		ID:        m.nextSeq(),
		UserID:    userID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *MemoryStore) AppendImage(_ context.Context, userID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.images = append(m.images, &models.UserImage{
		ID:        m.nextSeq(),
		UserID:    userID,
		Path:      path,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// Audits returns a copy of all audit entries. Test helper.
func (m *MemoryStore) Audits() []models.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AuditEntry, 0, len(m.audits))
	for _, a := range m.audits {
		out = append(out, *a)
	}
	return out
}

// Feedbacks returns a copy of all feedback rows. Test helper.
func (m *MemoryStore) Feedbacks() []models.Feedback {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Feedback, 0, len(m.feedbacks))
	for _, f := range m.feedbacks {
		out = append(out, *f)
	}
	return out
}

// ── Model Catalog ───────────────────────────────────────────

func (m *MemoryStore) ListModels(_ context.Context) ([]models.LLMModel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.LLMModel, 0, len(m.catalog))
	for _, entry := range m.catalog {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetModelByName(_ context.Context, name string) (*models.LLMModel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.catalog[strings.ToLower(name)]
	if !ok {
		return nil, &ErrNotFound{Entity: "model", Key: name}
	}
	cp := *entry
	return &cp, nil
}

func (m *MemoryStore) CreateModel(_ context.Context, model *models.LLMModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(model.Name)
	if _, exists := m.catalog[key]; exists {
		return &ErrConflict{Entity: "model", Key: model.Name}
	}
	cp := *model
	cp.ID = m.nextSeq()
	m.catalog[key] = &cp
	model.ID = cp.ID
	return nil
}

// ── Content Tree ────────────────────────────────────────────

func (m *MemoryStore) ListCategories(_ context.Context) ([]models.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Category, 0, len(m.categories))
	for _, c := range m.categories {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetCategory(_ context.Context, id int64) (*models.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.categories[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "category", Key: strconv.FormatInt(id, 10)}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetCategoryByName(_ context.Context, name string) (*models.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.categories {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "category", Key: name}
}

func (m *MemoryStore) ListSubtopics(_ context.Context, categoryID int64) ([]models.Subtopic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Subtopic
	for _, s := range m.subtopics {
		if s.CategoryID == categoryID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetSubtopic(_ context.Context, id int64) (*models.Subtopic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subtopics[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "subtopic", Key: strconv.FormatInt(id, 10)}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CreateCategory(_ context.Context, category *models.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if category.ID == 0 {
		category.ID = m.nextSeq()
	}
	cp := *category
	m.categories[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateSubtopic(_ context.Context, subtopic *models.Subtopic) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subtopic.ID == 0 {
		subtopic.ID = m.nextSeq()
	}
	cp := *subtopic
	m.subtopics[cp.ID] = &cp
	return nil
}

