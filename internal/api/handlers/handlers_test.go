package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/infobot/infobot/internal/api/handlers"
	"github.com/infobot/infobot/internal/conversation"
	"github.com/infobot/infobot/internal/dispatch"
	"github.com/infobot/infobot/internal/feature"
	"github.com/infobot/infobot/internal/images"
	"github.com/infobot/infobot/internal/llm"
	"github.com/infobot/infobot/internal/quota"
	"github.com/infobot/infobot/internal/ratelimit"
	"github.com/infobot/infobot/internal/store"
	"github.com/infobot/infobot/pkg/models"
)

type echoGateway struct{}

func (echoGateway) Complete(ctx context.Context, prompt, model string, image []byte) (string, error) {
	return "echo: " + prompt, nil
}

func newTestHandlers(t *testing.T) (*handlers.Handlers, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	conv := conversation.NewStore()
	gate := feature.NewGate(mem, mem)
	ledger := quota.NewLedger(mem, 10)
	orch := llm.NewOrchestrator(llm.Config{
		Gate:         gate,
		Ledger:       ledger,
		Store:        mem,
		Objects:      images.NewMemoryObjectStore(),
		Conversation: conv,
		Gateway:      echoGateway{},
		DefaultModel: "m",
	})
	d := dispatch.New(dispatch.Config{
		Store:         mem,
		Limiter:       ratelimit.New(100, time.Minute),
		Conversations: conv,
		Gate:          gate,
		Ledger:        ledger,
		Orchestrator:  orch,
	})
	return handlers.New(mem, d), mem
}

func TestPostEvent(t *testing.T) {
	h, _ := newTestHandlers(t)

	body := `{"user_id": "42", "kind": "text", "text": "hello there"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.PostEvent(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("PostEvent status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Replies []models.Reply `json:"replies"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(resp.Replies))
	}
	if resp.Replies[0].Text != "echo: hello there" {
		t.Errorf("reply = %q, want echoed prompt", resp.Replies[0].Text)
	}
}

func TestPostEvent_BadRequests(t *testing.T) {
	h, _ := newTestHandlers(t)

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing user_id", `{"kind": "text", "text": "hi"}`},
		{"unknown kind", `{"user_id": "42", "kind": "sticker"}`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(tc.body))
		w := httptest.NewRecorder()
		h.PostEvent(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", tc.name, w.Code, http.StatusBadRequest)
		}
	}
}

func TestListModels(t *testing.T) {
	h, mem := newTestHandlers(t)
	if err := mem.CreateModel(context.Background(), &models.LLMModel{Name: "gpt-4o"}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	w := httptest.NewRecorder()
	h.ListModels(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("ListModels status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Models []models.LLMModel `json:"models"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0].Name != "gpt-4o" {
		t.Errorf("models = %+v", resp.Models)
	}
}

func TestListUsers_Empty(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
	w := httptest.NewRecorder()
	h.ListUsers(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("ListUsers status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"users":[]`) {
		t.Errorf("empty list should encode as [], got %s", w.Body.String())
	}
}
