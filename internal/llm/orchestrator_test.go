package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/infobot/infobot/internal/conversation"
	"github.com/infobot/infobot/internal/feature"
	"github.com/infobot/infobot/internal/images"
	"github.com/infobot/infobot/internal/quota"
	"github.com/infobot/infobot/internal/store"
	"github.com/infobot/infobot/pkg/models"
)

// fakeGateway records calls and returns canned responses.
type fakeGateway struct {
	mu       sync.Mutex
	calls    int
	lastText string
	lastImg  []byte
	lastMdl  string
	response string
	err      error
	block    chan struct{} // when set, Complete waits until closed
}

func (f *fakeGateway) Complete(_ context.Context, prompt, model string, image []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	f.lastText = prompt
	f.lastMdl = model
	f.lastImg = image
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// failingObjects always errors on Fetch.
type failingObjects struct{ images.ObjectStore }

func (failingObjects) Fetch(_ context.Context, _ string) ([]byte, error) {
	return nil, errors.New("blob gone")
}

type fixture struct {
	orch    *Orchestrator
	store   *store.MemoryStore
	conv    *conversation.Store
	gateway *fakeGateway
	objects images.ObjectStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	if err := s.UpsertProfile(context.Background(), &models.UserProfile{ID: "u1", FullName: "Test User", LLMEnabled: true}); err != nil {
		t.Fatalf("UpsertProfile() error = %v", err)
	}

	conv := conversation.NewStore()
	objects := images.NewMemoryObjectStore()
	gw := &fakeGateway{response: "the answer"}

	orch := NewOrchestrator(Config{
		Gate:         feature.NewGate(s, s),
		Ledger:       quota.NewLedger(s, 10),
		Store:        s,
		Objects:      objects,
		Conversation: conv,
		Gateway:      gw,
		DefaultModel: "gpt-4o-mini",
		Contact:      "@support",
	})
	return &fixture{orch: orch, store: s, conv: conv, gateway: gw, objects: objects}
}

func TestRespondSuccessConsumesOneUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// used:9, limit:10 — one unit left.
	if err := f.store.SetQuotaLimit(ctx, "u1", 10); err != nil {
		t.Fatalf("SetQuotaLimit() error = %v", err)
	}
	for i := 0; i < 9; i++ {
		if ok, err := f.store.ConsumeQuota(ctx, "u1"); err != nil || !ok {
			t.Fatalf("ConsumeQuota() = %v, %v", ok, err)
		}
	}

	reply := f.orch.Respond(ctx, "u1", "what is the answer")
	if reply.Text != "the answer" {
		t.Errorf("Respond() = %q, want %q", reply.Text, "the answer")
	}
	if f.gateway.callCount() != 1 {
		t.Errorf("gateway calls = %d, want 1", f.gateway.callCount())
	}

	q, _ := f.store.GetQuota(ctx, "u1")
	if q.Used != 10 {
		t.Errorf("Used = %d, want 10", q.Used)
	}

	exchanges, _ := f.store.ListExchanges(ctx, "u1", 10)
	if len(exchanges) != 1 {
		t.Fatalf("exchanges = %d, want 1", len(exchanges))
	}
	if exchanges[0].Prompt != "what is the answer" || exchanges[0].Response != "the answer" {
		t.Errorf("exchange = %+v", exchanges[0])
	}
}

func TestRespondExhaustedQuotaSkipsGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SetQuotaLimit(ctx, "u1", 10); err != nil {
		t.Fatalf("SetQuotaLimit() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		f.store.ConsumeQuota(ctx, "u1")
	}

	reply := f.orch.Respond(ctx, "u1", "one more")
	if !strings.Contains(reply.Text, "@support") {
		t.Errorf("Respond() = %q, want quota message naming @support", reply.Text)
	}
	if f.gateway.callCount() != 0 {
		t.Errorf("gateway calls = %d, want 0", f.gateway.callCount())
	}
}

func TestRespondGlobalDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SetGlobalSwitch(ctx, false); err != nil {
		t.Fatalf("SetGlobalSwitch() error = %v", err)
	}

	reply := f.orch.Respond(ctx, "u1", "hello")
	if reply.Text != MsgGlobalDisabled {
		t.Errorf("Respond() = %q, want MsgGlobalDisabled", reply.Text)
	}
	if f.gateway.callCount() != 0 {
		t.Error("gateway called despite global switch off")
	}
}

func TestRespondUserDisabledDistinctMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SetProfileLLMEnabled(ctx, "u1", false); err != nil {
		t.Fatalf("SetProfileLLMEnabled() error = %v", err)
	}

	reply := f.orch.Respond(ctx, "u1", "hello")
	if reply.Text != MsgUserDisabled {
		t.Errorf("Respond() = %q, want MsgUserDisabled", reply.Text)
	}
}

func TestRespondGatewayErrorReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.err = errors.New("upstream 500")

	reply := f.orch.Respond(ctx, "u1", "hello")
	if reply.Text != MsgGatewayError {
		t.Errorf("Respond() = %q, want MsgGatewayError", reply.Text)
	}

	q, err := f.store.GetQuota(ctx, "u1")
	if err != nil {
		t.Fatalf("GetQuota() error = %v", err)
	}
	if q.Used != 0 {
		t.Errorf("Used after gateway failure = %d, want 0", q.Used)
	}

	exchanges, _ := f.store.ListExchanges(ctx, "u1", 10)
	if len(exchanges) != 0 {
		t.Errorf("exchanges after failure = %d, want 0", len(exchanges))
	}
}

func TestRespondUsesProfileModelOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SetProfileModel(ctx, "u1", "gpt-4o"); err != nil {
		t.Fatalf("SetProfileModel() error = %v", err)
	}
	f.orch.Respond(ctx, "u1", "hello")
	if f.gateway.lastMdl != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", f.gateway.lastMdl)
	}

	if err := f.store.SetProfileModel(ctx, "u1", ""); err != nil {
		t.Fatalf("SetProfileModel() error = %v", err)
	}
	f.orch.Respond(ctx, "u1", "hello")
	if f.gateway.lastMdl != "gpt-4o-mini" {
		t.Errorf("model = %q, want deployment default gpt-4o-mini", f.gateway.lastMdl)
	}
}

func TestPhotoThenTextUsesImageExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := f.orch.AcceptPhoto(ctx, "u1", []byte("jpeg-bytes"), "")
	if reply.Text != MsgImageBuffered {
		t.Fatalf("AcceptPhoto() = %q, want MsgImageBuffered", reply.Text)
	}

	f.orch.Respond(ctx, "u1", "what is this")
	if len(f.gateway.lastImg) == 0 {
		t.Error("first prompt after upload carried no image")
	}

	f.orch.Respond(ctx, "u1", "and this too")
	if len(f.gateway.lastImg) != 0 {
		t.Error("second prompt reused the image, want text-only")
	}
}

func TestPhotoWithCaptionRunsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := f.orch.AcceptPhoto(ctx, "u1", []byte("jpeg-bytes"), "describe this")
	if reply.Text != "the answer" {
		t.Errorf("AcceptPhoto(caption) = %q, want gateway response", reply.Text)
	}
	if f.gateway.lastText != "describe this" {
		t.Errorf("prompt = %q, want caption", f.gateway.lastText)
	}
	if len(f.gateway.lastImg) == 0 {
		t.Error("captioned photo exchange carried no image")
	}

	// The upload was consumed; nothing left pending.
	if _, ok := f.conv.PendingImage("u1"); ok {
		t.Error("pending image remains after captioned exchange")
	}
}

func TestPhotoAckWordingWhenUserDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SetProfileLLMEnabled(ctx, "u1", false); err != nil {
		t.Fatalf("SetProfileLLMEnabled() error = %v", err)
	}
	reply := f.orch.AcceptPhoto(ctx, "u1", []byte("jpeg-bytes"), "")
	if reply.Text != MsgImageSaved {
		t.Errorf("AcceptPhoto() = %q, want MsgImageSaved", reply.Text)
	}
}

func TestImageFetchFailureDegradesToTextOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.objects = failingObjects{}
	f.conv.SetPendingImage("u1", "lost.jpg")

	reply := f.orch.Respond(ctx, "u1", "what is this")
	if reply.Text != "the answer" {
		t.Errorf("Respond() = %q, want gateway response despite fetch failure", reply.Text)
	}
	if len(f.gateway.lastImg) != 0 {
		t.Error("gateway received image bytes after fetch failure")
	}
}

func TestSecondRequestWhileInFlightIsTurnedAway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.gateway.block = release

	done := make(chan models.Reply, 1)
	go func() { done <- f.orch.Respond(ctx, "u1", "slow one") }()

	// Wait until the first call reaches the gateway.
	for f.gateway.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	busy := f.orch.Respond(ctx, "u1", "impatient")
	if busy.Text != MsgBusy {
		t.Errorf("concurrent Respond() = %q, want MsgBusy", busy.Text)
	}

	close(release)
	first := <-done
	if first.Text != "the answer" {
		t.Errorf("first Respond() = %q, want gateway response", first.Text)
	}
}
