// Package conversation provides the in-memory per-user dialogue state:
// the current wizard step, the admin's navigation context, and at most
// one buffered image awaiting a text prompt.
//
// All of it is process-local by design. A restart drops users back to
// Idle and they restart any wizard they were in; quotas and switches
// live in the persistent store.
package conversation

import (
	"hash/fnv"
	"sync"
)

// Kind tags the current wizard state of one user.
type Kind int

const (
	// Idle is the default state; plain text routes to content or the LLM.
	Idle Kind = iota
	// AwaitingFeedback captures the next text message as feedback.
	AwaitingFeedback
	// AwaitingModelSelection waits for the admin to pick a model for Target.
	AwaitingModelSelection
	// AwaitingNewModelName waits for the name of a new catalog model.
	AwaitingNewModelName
	// AwaitingNewModelDescription waits for the description; PendingName
	// holds the name entered in the previous step.
	AwaitingNewModelDescription
	// AwaitingLimitInput waits for an integer quota limit for Target.
	AwaitingLimitInput
)

// State is the tagged per-user wizard state. A user holds exactly one
// State at a time; setting a new one supersedes the old unconditionally.
type State struct {
	Kind        Kind
	Target      string // subject user of an admin wizard
	PendingName string // model name collected by AwaitingNewModelName
}

// AdminContext is the admin's navigation context, orthogonal to State.
type AdminContext struct {
	SelectedTarget string
	Page           int
}

const shardCount = 16

// Store holds conversation state for all users, sharded by user id so
// different users' lookups never contend on a single lock.
type Store struct {
	shards [shardCount]convShard
}

type convShard struct {
	mu            sync.Mutex
	states        map[string]State
	adminContexts map[string]AdminContext
	pendingImages map[string]string // user id → object-store path
}

// NewStore creates an empty conversation store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].states = make(map[string]State)
		s.shards[i].adminContexts = make(map[string]AdminContext)
		s.shards[i].pendingImages = make(map[string]string)
	}
	return s
}

func (s *Store) shard(userID string) *convShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.shards[h.Sum32()%shardCount]
}

// Get returns the current state for a user; absent means Idle.
func (s *Store) Get(userID string) State {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.states[userID]
}

// Set replaces the user's state.
func (s *Store) Set(userID string, state State) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.states[userID] = state
}

// Clear resets the user to Idle.
func (s *Store) Clear(userID string) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.states, userID)
}

// ── Admin Context ───────────────────────────────────────────

// AdminContext returns the admin's navigation context (zero value if unset).
func (s *Store) AdminContext(userID string) AdminContext {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.adminContexts[userID]
}

// SetSelectedTarget records which user the admin is operating on.
func (s *Store) SetSelectedTarget(userID, target string) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ctx := sh.adminContexts[userID]
	ctx.SelectedTarget = target
	sh.adminContexts[userID] = ctx
}

// ClearSelectedTarget drops the admin's target selection, keeping the page.
func (s *Store) ClearSelectedTarget(userID string) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ctx := sh.adminContexts[userID]
	ctx.SelectedTarget = ""
	sh.adminContexts[userID] = ctx
}

// SetPage records the admin's user-list pagination cursor.
func (s *Store) SetPage(userID string, page int) {
	if page < 0 {
		page = 0
	}
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ctx := sh.adminContexts[userID]
	ctx.Page = page
	sh.adminContexts[userID] = ctx
}

// ── Pending Image ───────────────────────────────────────────

// SetPendingImage buffers an uploaded image path for a user. A newer
// upload overwrites an unconsumed one.
func (s *Store) SetPendingImage(userID, path string) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.pendingImages[userID] = path
}

// PendingImage peeks at the buffered image without consuming it.
func (s *Store) PendingImage(userID string) (string, bool) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	path, ok := sh.pendingImages[userID]
	return path, ok
}

// TakePendingImage reads and clears the buffered image in one step, so
// a single upload is consumed by at most one exchange.
func (s *Store) TakePendingImage(userID string) (string, bool) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	path, ok := sh.pendingImages[userID]
	if ok {
		delete(sh.pendingImages, userID)
	}
	return path, ok
}
