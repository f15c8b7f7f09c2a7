package dispatch

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/infobot/infobot/internal/conversation"
	"github.com/infobot/infobot/internal/feature"
	"github.com/infobot/infobot/internal/images"
	"github.com/infobot/infobot/internal/llm"
	"github.com/infobot/infobot/internal/quota"
	"github.com/infobot/infobot/internal/ratelimit"
	"github.com/infobot/infobot/internal/store"
	"github.com/infobot/infobot/pkg/models"
)

const (
	adminID = "1"
	userID  = "42"
)

type stubGateway struct {
	response string
	err      error
	calls    int
	lastModel string
}

func (g *stubGateway) Complete(ctx context.Context, prompt, model string, image []byte) (string, error) {
	g.calls++
	g.lastModel = model
	if g.err != nil {
		return "", g.err
	}
	return g.response, nil
}

type fixture struct {
	dispatcher *Dispatcher
	store      *store.MemoryStore
	conv       *conversation.Store
	gateway    *stubGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	conv := conversation.NewStore()
	gate := feature.NewGate(mem, mem)
	ledger := quota.NewLedger(mem, 10)
	gw := &stubGateway{response: "answer"}
	orch := llm.NewOrchestrator(llm.Config{
		Gate:         gate,
		Ledger:       ledger,
		Store:        mem,
		Objects:      images.NewMemoryObjectStore(),
		Conversation: conv,
		Gateway:      gw,
		DefaultModel: "gpt-4o-mini",
		Contact:      "@support",
	})
	d := New(Config{
		Store:         mem,
		Limiter:       ratelimit.New(100, time.Minute),
		Conversations: conv,
		Gate:          gate,
		Ledger:        ledger,
		Orchestrator:  orch,
		SuperuserID:   adminID,
	})
	return &fixture{dispatcher: d, store: mem, conv: conv, gateway: gw}
}

func textEvent(uid, text string) models.Event {
	return models.Event{UserID: uid, Kind: models.EventText, Text: text}
}

func callbackEvent(uid, token string) models.Event {
	return models.Event{UserID: uid, Kind: models.EventCallback, Text: token}
}

func singleReply(t *testing.T, replies []models.Reply) models.Reply {
	t.Helper()
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1: %+v", len(replies), replies)
	}
	return replies[0]
}

func TestFirstContactCreatesProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Handle(ctx, models.Event{
		UserID: userID, FullName: "Jo Doe", Username: "jodo",
		Kind: models.EventText, Text: "/about",
	})

	profile, err := f.store.GetProfile(ctx, userID)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.FullName != "Jo Doe" || profile.Username != "jodo" {
		t.Errorf("got profile %+v", profile)
	}
	if !profile.LLMEnabled {
		t.Error("new profiles should have the assistant enabled")
	}
}

func TestRateLimitRejects(t *testing.T) {
	mem := store.NewMemoryStore()
	conv := conversation.NewStore()
	gate := feature.NewGate(mem, mem)
	ledger := quota.NewLedger(mem, 10)
	d := New(Config{
		Store:         mem,
		Limiter:       ratelimit.New(2, time.Minute),
		Conversations: conv,
		Gate:          gate,
		Ledger:        ledger,
		Orchestrator: llm.NewOrchestrator(llm.Config{
			Gate: gate, Ledger: ledger, Store: mem,
			Objects: images.NewMemoryObjectStore(), Conversation: conv,
			Gateway: &stubGateway{response: "ok"}, DefaultModel: "m",
		}),
		SuperuserID: adminID,
	})
	ctx := context.Background()

	d.Handle(ctx, textEvent(userID, "/about"))
	d.Handle(ctx, textEvent(userID, "/about"))
	reply := singleReply(t, d.Handle(ctx, textEvent(userID, "/about")))
	if reply.Text != MsgTooManyRequests {
		t.Errorf("got %q, want rate limit message", reply.Text)
	}
}

func TestStartListsCategories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, name := range []string{"Admissions", "Housing"} {
		if err := f.store.CreateCategory(ctx, &models.Category{Name: name, DisplayOrder: i}); err != nil {
			t.Fatalf("CreateCategory: %v", err)
		}
	}

	reply := singleReply(t, f.dispatcher.Handle(ctx, textEvent(userID, "/start")))
	if reply.Text != MsgWelcome {
		t.Errorf("got %q, want welcome", reply.Text)
	}
	// Two categories plus the feedback button.
	if len(reply.Choices) != 3 {
		t.Fatalf("got %d choices, want 3: %+v", len(reply.Choices), reply.Choices)
	}
	if reply.Choices[0].Label != "Admissions" {
		t.Errorf("got first choice %q", reply.Choices[0].Label)
	}
	if reply.Choices[2].Data != "feedback" {
		t.Errorf("got last choice data %q, want feedback", reply.Choices[2].Data)
	}
}

func TestCategoryByNameAndSubtopic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cat := &models.Category{Name: "Housing"}
	if err := f.store.CreateCategory(ctx, cat); err != nil {
		t.Fatal(err)
	}
	sub := &models.Subtopic{CategoryID: cat.ID, Name: "Dorms", Content: "Dorm info", MediaPath: "housing/map.png"}
	if err := f.store.CreateSubtopic(ctx, sub); err != nil {
		t.Fatal(err)
	}

	reply := singleReply(t, f.dispatcher.Handle(ctx, textEvent(userID, "Housing")))
	if len(reply.Choices) != 1 || !strings.HasPrefix(reply.Choices[0].Data, "subtopic:") {
		t.Fatalf("got choices %+v, want one subtopic token", reply.Choices)
	}

	reply = singleReply(t, f.dispatcher.Handle(ctx, callbackEvent(userID, reply.Choices[0].Data)))
	if reply.Text != "Dorm info" {
		t.Errorf("got %q, want subtopic content", reply.Text)
	}
	if reply.MediaPath != "housing/map.png" {
		t.Errorf("got media path %q", reply.MediaPath)
	}
	if f.gateway.calls != 0 {
		t.Error("content browsing must not reach the gateway")
	}
}

func TestEmptyCategoryFallsBackToDescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.CreateCategory(ctx, &models.Category{Name: "Contacts", Description: "Call 555-0100"}); err != nil {
		t.Fatal(err)
	}

	reply := singleReply(t, f.dispatcher.Handle(ctx, textEvent(userID, "Contacts")))
	if reply.Text != "Call 555-0100" {
		t.Errorf("got %q, want category description", reply.Text)
	}
}

func TestUnmatchedTextGoesToAssistant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := singleReply(t, f.dispatcher.Handle(ctx, textEvent(userID, "what is the meaning of life")))
	if reply.Text != "answer" {
		t.Errorf("got %q, want gateway answer", reply.Text)
	}
	if f.gateway.calls != 1 {
		t.Errorf("gateway calls = %d, want 1", f.gateway.calls)
	}
}

func TestFeedbackFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := singleReply(t, f.dispatcher.Handle(ctx, textEvent(userID, BtnFeedback)))
	if reply.Text != MsgFeedbackPrompt {
		t.Fatalf("got %q, want feedback prompt", reply.Text)
	}
	reply = singleReply(t, f.dispatcher.Handle(ctx, textEvent(userID, "great bot")))
	if reply.Text != MsgFeedbackThanks {
		t.Errorf("got %q, want thanks", reply.Text)
	}

	feedbacks := f.store.Feedbacks()
	if len(feedbacks) != 1 || feedbacks[0].Message != "great bot" {
		t.Errorf("got feedbacks %+v", feedbacks)
	}
	if got := f.conv.Get(userID).Kind; got != conversation.Idle {
		t.Errorf("state after feedback = %v, want Idle", got)
	}
	if f.gateway.calls != 0 {
		t.Error("captured feedback text must not reach the gateway")
	}
}

func TestFeedbackOverridesPendingWizard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatcher.Handle(ctx, callbackEvent(adminID, "user:"+userID))
	f.dispatcher.Handle(ctx, callbackEvent(adminID, "admin:limit"))

	reply := singleReply(t, f.dispatcher.Handle(ctx, textEvent(adminID, CmdFeedback)))
	if reply.Text != MsgFeedbackPrompt {
		t.Errorf("got %q, want feedback prompt", reply.Text)
	}
	if got := f.conv.Get(adminID).Kind; got != conversation.AwaitingFeedback {
		t.Errorf("state = %v, want AwaitingFeedback", got)
	}
}

func TestAdminCommandsRequireSuperuser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, input := range []models.Event{
		textEvent(userID, CmdUsers),
		textEvent(userID, CmdLLMEnable),
		textEvent(userID, CmdLLMDisable),
		callbackEvent(userID, "user:7"),
		callbackEvent(userID, "admin:limit"),
		callbackEvent(userID, "llm:off"),
	} {
		reply := singleReply(t, f.dispatcher.Handle(ctx, input))
		if reply.Text != MsgPermissionDenied {
			t.Errorf("input %q: got %q, want permission denied", input.Text, reply.Text)
		}
	}
}

func TestGlobalSwitchCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Handle(ctx, textEvent(adminID, CmdLLMDisable))
	enabled, err := f.store.GetGlobalSwitch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if enabled {
		t.Error("global switch should be off after /llm_disable")
	}

	reply := singleReply(t, f.dispatcher.Handle(ctx, textEvent(userID, "hello")))
	if reply.Text != llm.MsgGlobalDisabled {
		t.Errorf("got %q, want global disabled message", reply.Text)
	}

	f.dispatcher.Handle(ctx, textEvent(adminID, CmdLLMEnable))
	enabled, _ = f.store.GetGlobalSwitch(ctx)
	if !enabled {
		t.Error("global switch should be on after /llm_enable")
	}
}

func TestUserListPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		p := &models.UserProfile{ID: fmt.Sprintf("u%02d", i), FullName: fmt.Sprintf("User %02d", i), LLMEnabled: true}
		if err := f.store.UpsertProfile(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	reply := singleReply(t, f.dispatcher.Handle(ctx, textEvent(adminID, CmdUsers)))
	var next string
	for _, c := range reply.Choices {
		if c.Label == lblNextPage {
			next = c.Data
		}
		if c.Label == lblPrevPage {
			t.Error("first page should not offer a previous button")
		}
	}
	if next == "" {
		t.Fatalf("first page offers no next button: %+v", reply.Choices)
	}

	reply = singleReply(t, f.dispatcher.Handle(ctx, callbackEvent(adminID, next)))
	var sawPrev bool
	for _, c := range reply.Choices {
		if c.Label == lblPrevPage {
			sawPrev = true
		}
	}
	if !sawPrev {
		t.Errorf("second page offers no previous button: %+v", reply.Choices)
	}
}

func TestSetLimitWizard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Handle(ctx, callbackEvent(adminID, "user:"+userID))
	reply := singleReply(t, f.dispatcher.Handle(ctx, callbackEvent(adminID, "admin:limit")))
	if reply.Text != MsgLimitPrompt {
		t.Fatalf("got %q, want limit prompt", reply.Text)
	}

	// Invalid input keeps the wizard open.
	reply = singleReply(t, f.dispatcher.Handle(ctx, textEvent(adminID, "lots")))
	if reply.Text != MsgLimitInvalid {
		t.Errorf("got %q, want invalid limit message", reply.Text)
	}
	reply = singleReply(t, f.dispatcher.Handle(ctx, textEvent(adminID, "-3")))
	if reply.Text != MsgLimitInvalid {
		t.Errorf("got %q, want invalid limit message", reply.Text)
	}

	f.dispatcher.Handle(ctx, textEvent(adminID, "25"))
	q, err := f.store.GetQuota(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if q.Limit != 25 {
		t.Errorf("limit = %d, want 25", q.Limit)
	}
	if got := f.conv.Get(adminID).Kind; got != conversation.Idle {
		t.Errorf("state after set = %v, want Idle", got)
	}
}

func TestSetModelWizard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.CreateModel(ctx, &models.LLMModel{Name: "gpt-4o", Description: "flagship"}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpsertProfile(ctx, &models.UserProfile{ID: userID, LLMEnabled: true}); err != nil {
		t.Fatal(err)
	}

	f.dispatcher.Handle(ctx, callbackEvent(adminID, "user:"+userID))
	reply := singleReply(t, f.dispatcher.Handle(ctx, callbackEvent(adminID, "admin:model")))
	if reply.Text != MsgPickModel {
		t.Fatalf("got %q, want model menu", reply.Text)
	}

	f.dispatcher.Handle(ctx, callbackEvent(adminID, "model:gpt-4o"))
	profile, err := f.store.GetProfile(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if profile.LLMModel != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", profile.LLMModel)
	}

	// The override now drives the gateway call.
	f.dispatcher.Handle(ctx, textEvent(userID, "hi"))
	if f.gateway.lastModel != "gpt-4o" {
		t.Errorf("gateway model = %q, want gpt-4o", f.gateway.lastModel)
	}
}

func TestModelTokenOutsideWizardRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := singleReply(t, f.dispatcher.Handle(ctx, callbackEvent(adminID, "model:gpt-4o")))
	if reply.Text != MsgUnknownChoice {
		t.Errorf("got %q, want unknown choice", reply.Text)
	}
}

func TestNewModelWizard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.UpsertProfile(ctx, &models.UserProfile{ID: userID, LLMEnabled: true}); err != nil {
		t.Fatal(err)
	}

	f.dispatcher.Handle(ctx, callbackEvent(adminID, "user:"+userID))
	f.dispatcher.Handle(ctx, callbackEvent(adminID, "admin:model"))
	reply := singleReply(t, f.dispatcher.Handle(ctx, callbackEvent(adminID, "model:new")))
	if reply.Text != MsgModelNamePrompt {
		t.Fatalf("got %q, want name prompt", reply.Text)
	}

	reply = singleReply(t, f.dispatcher.Handle(ctx, textEvent(adminID, "o3-mini")))
	if reply.Text != MsgModelDescPrompt {
		t.Fatalf("got %q, want description prompt", reply.Text)
	}

	replies := f.dispatcher.Handle(ctx, textEvent(adminID, "small reasoning model"))
	if len(replies) < 2 {
		t.Fatalf("got %d replies, want confirmation plus menu", len(replies))
	}

	if _, err := f.store.GetModelByName(ctx, "o3-mini"); err != nil {
		t.Errorf("model not in catalog: %v", err)
	}
	// Selection step restored; the new model is assignable right away.
	f.dispatcher.Handle(ctx, callbackEvent(adminID, "model:o3-mini"))
	profile, err := f.store.GetProfile(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if profile.LLMModel != "o3-mini" {
		t.Errorf("model = %q, want o3-mini", profile.LLMModel)
	}
}

func TestNewModelNameConflictKeepsWizard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.CreateModel(ctx, &models.LLMModel{Name: "gpt-4o"}); err != nil {
		t.Fatal(err)
	}

	f.dispatcher.Handle(ctx, callbackEvent(adminID, "user:"+userID))
	f.dispatcher.Handle(ctx, callbackEvent(adminID, "admin:model"))
	f.dispatcher.Handle(ctx, callbackEvent(adminID, "model:new"))
	f.dispatcher.Handle(ctx, textEvent(adminID, "gpt-4o"))

	reply := singleReply(t, f.dispatcher.Handle(ctx, textEvent(adminID, "duplicate")))
	if !strings.Contains(reply.Text, "already exists") {
		t.Errorf("got %q, want conflict message", reply.Text)
	}
	if got := f.conv.Get(adminID).Kind; got != conversation.AwaitingNewModelDescription {
		t.Errorf("state = %v, want AwaitingNewModelDescription", got)
	}
}

func TestPerUserToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.UpsertProfile(ctx, &models.UserProfile{ID: userID, LLMEnabled: true}); err != nil {
		t.Fatal(err)
	}

	f.dispatcher.Handle(ctx, callbackEvent(adminID, "user:"+userID))
	f.dispatcher.Handle(ctx, callbackEvent(adminID, "admin:llm_off"))

	profile, err := f.store.GetProfile(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if profile.LLMEnabled {
		t.Error("assistant still enabled for the user after admin:llm_off")
	}
}

func TestBackCancelsWizard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Handle(ctx, callbackEvent(adminID, "user:"+userID))
	f.dispatcher.Handle(ctx, callbackEvent(adminID, "admin:limit"))
	reply := singleReply(t, f.dispatcher.Handle(ctx, callbackEvent(adminID, "back")))
	if reply.Text != MsgCancelled {
		t.Errorf("got %q, want cancelled", reply.Text)
	}
	if got := f.conv.Get(adminID).Kind; got != conversation.Idle {
		t.Errorf("state = %v, want Idle", got)
	}
	if target := f.conv.AdminContext(adminID).SelectedTarget; target != "" {
		t.Errorf("selected target = %q, want cleared", target)
	}
}

func TestAdminActionWithoutTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := singleReply(t, f.dispatcher.Handle(ctx, callbackEvent(adminID, "admin:limit")))
	if reply.Text != MsgSelectUserFirst {
		t.Errorf("got %q, want select-user-first", reply.Text)
	}
}

func TestUnknownCallbackToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := singleReply(t, f.dispatcher.Handle(ctx, callbackEvent(userID, "subtopic:9999")))
	if reply.Text != MsgUnknownChoice {
		t.Errorf("got %q, want unknown choice", reply.Text)
	}
	reply = singleReply(t, f.dispatcher.Handle(ctx, callbackEvent(userID, "subtopic:bogus")))
	if reply.Text != MsgUnknownChoice {
		t.Errorf("got %q, want unknown choice", reply.Text)
	}
}

func TestPhotoRoutesToOrchestrator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := singleReply(t, f.dispatcher.Handle(ctx, models.Event{
		UserID: userID, Kind: models.EventPhoto,
		Image: []byte{0xff, 0xd8}, Text: "what is this",
	}))
	if reply.Text != "answer" {
		t.Errorf("got %q, want captioned photo to be answered", reply.Text)
	}
	if f.gateway.calls != 1 {
		t.Errorf("gateway calls = %d, want 1", f.gateway.calls)
	}
}
