// Package models defines the domain types shared between the bot core,
// the storage layer, and the transport adapters.
package models

import (
	"time"
)

// ── User Profile ─────────────────────────────────────────────

// UserProfile is the persistent per-user record, keyed by the stable
// external identity string assigned by the chat transport.
// A profile is created lazily on first contact with defaults.
type UserProfile struct {
	ID         string    `json:"id"` // external identity, primary key
	FullName   string    `json:"full_name"`
	Username   string    `json:"username,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	LLMModel   string    `json:"llm_model,omitempty"` // per-user model override; empty = deployment default
	LLMEnabled bool      `json:"llm_enabled"`         // per-user half of the feature switch, default true
	CreatedAt  time.Time `json:"created_at"`
}

// ── Quota ────────────────────────────────────────────────────

// Quota tracks how many LLM exchanges a user has consumed against an
// administratively set ceiling. Used only increases, one unit per
// completed exchange; Limit changes are administrative.
type Quota struct {
	UserID string `json:"user_id"`
	Used   int    `json:"used"`
	Limit  int    `json:"limit"`
}

// Remaining returns how many exchanges the user has left.
func (q Quota) Remaining() int {
	if q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}

// ── LLM Exchange ─────────────────────────────────────────────

// Exchange is one completed prompt/response pair, append-only.
type Exchange struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Model Catalog ────────────────────────────────────────────

// LLMModel is a catalog entry an admin can assign to a user.
// Name is the identifier sent to the gateway; Description is what
// the admin sees when picking one.
type LLMModel struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"` // unique
	Description string `json:"description"`
}

// ── Feedback & Audit ─────────────────────────────────────────

// Feedback is a free-text message a user left through the feedback flow.
type Feedback struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry records a user or admin action for traceability.
// Writes are best-effort: a failed audit write never rolls back the
// action it describes.
type AuditEntry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Images ───────────────────────────────────────────────────

// UserImage records an uploaded image blob held in the object store.
type UserImage struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Path      string    `json:"path"` // opaque object-store key
	CreatedAt time.Time `json:"created_at"`
}

// ── Content Tree ─────────────────────────────────────────────

// Category is a top-level node of the static content tree.
type Category struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"` // unique, shown as a menu label
	Description  string `json:"description,omitempty"`
	DisplayOrder int    `json:"display_order"`
}

// Subtopic is a leaf of the content tree under one category.
type Subtopic struct {
	ID           int64  `json:"id"`
	CategoryID   int64  `json:"category_id"`
	Name         string `json:"name"`
	Content      string `json:"content,omitempty"`
	MediaPath    string `json:"media_path,omitempty"` // optional media reference
	DisplayOrder int    `json:"display_order"`
}

// ── Transport Contracts ──────────────────────────────────────

// EventKind discriminates inbound event payloads.
type EventKind string

const (
	// EventText is a plain text message.
	EventText EventKind = "text"
	// EventPhoto is an image upload, optionally captioned.
	EventPhoto EventKind = "photo"
	// EventCallback is a selection of a previously offered choice;
	// Text carries the choice token (e.g. "subtopic:42", "user:100500").
	EventCallback EventKind = "callback"
)

// Event is one inbound chat event, transport-agnostic. The transport
// adapter resolves its wire format into this shape before dispatch.
type Event struct {
	ID       string    `json:"id,omitempty"`
	UserID   string    `json:"user_id"`
	FullName string    `json:"full_name,omitempty"`
	Username string    `json:"username,omitempty"`
	Kind     EventKind `json:"kind"`
	Text     string    `json:"text,omitempty"`  // message text, callback token, or photo caption
	Image    []byte    `json:"image,omitempty"` // raw photo bytes for EventPhoto
}

// Choice is one selectable option attached to a reply. Data carries an
// explicit token the transport echoes back in an EventCallback, so the
// core never has to re-match free-form labels against display names.
type Choice struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Reply is one outbound message. How (or whether) Choices are rendered
// as buttons is the transport's business.
type Reply struct {
	Text      string   `json:"text"`
	MediaPath string   `json:"media_path,omitempty"`
	Choices   []Choice `json:"choices,omitempty"`
}

// TextReply is a convenience constructor for the common case.
func TextReply(text string) Reply {
	return Reply{Text: text}
}
