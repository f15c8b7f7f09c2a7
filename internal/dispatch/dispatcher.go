// Package dispatch routes inbound chat events: it admits or rejects them
// at the rate limiter, drives the wizard state machine, serves the static
// content tree, handles the admin surface, and hands everything else to
// the LLM orchestrator. Handle is total: every event yields at least one
// reply and internal failures surface as user-facing error text, never as
// a dropped message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/infobot/infobot/internal/conversation"
	"github.com/infobot/infobot/internal/feature"
	"github.com/infobot/infobot/internal/llm"
	"github.com/infobot/infobot/internal/quota"
	"github.com/infobot/infobot/internal/ratelimit"
	"github.com/infobot/infobot/internal/store"
	"github.com/infobot/infobot/pkg/models"
)

// usersPageSize is how many profiles one admin user-list page shows.
const usersPageSize = 5

// Dispatcher owns event routing for the bot core.
type Dispatcher struct {
	store       store.Store
	limiter     *ratelimit.Limiter
	conv        *conversation.Store
	gate        *feature.Gate
	ledger      *quota.Ledger
	orch        *llm.Orchestrator
	superuserID string
}

// Config collects the dispatcher's collaborators.
type Config struct {
	Store         store.Store
	Limiter       *ratelimit.Limiter
	Conversations *conversation.Store
	Gate          *feature.Gate
	Ledger        *quota.Ledger
	Orchestrator  *llm.Orchestrator
	SuperuserID   string
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		store:       cfg.Store,
		limiter:     cfg.Limiter,
		conv:        cfg.Conversations,
		gate:        cfg.Gate,
		ledger:      cfg.Ledger,
		orch:        cfg.Orchestrator,
		superuserID: cfg.SuperuserID,
	}
}

// Handle processes one inbound event and returns the replies to send.
func (d *Dispatcher) Handle(ctx context.Context, event models.Event) (replies []models.Reply) {
	ctx, span := otel.Tracer("infobot.dispatch").Start(ctx, "dispatch.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.kind", string(event.Kind)),
		attribute.String("event.user_id", event.UserID),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("user_id", event.UserID).
				Msg("dispatch: recovered from panic")
			replies = []models.Reply{models.TextReply(MsgInternalError)}
		}
	}()

	// Rejected events are cheap on purpose: no profile write, no audit.
	if !d.limiter.Admit(event.UserID, time.Now()) {
		return []models.Reply{models.TextReply(MsgTooManyRequests)}
	}

	profile, err := d.ensureProfile(ctx, event)
	if err != nil {
		log.Error().Err(err).Str("user_id", event.UserID).
			Msg("dispatch: profile lookup failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}

	switch event.Kind {
	case models.EventPhoto:
		return []models.Reply{d.orch.AcceptPhoto(ctx, profile.ID, event.Image, event.Text)}
	case models.EventCallback:
		return d.handleCallback(ctx, profile, event.Text)
	default:
		return d.handleText(ctx, profile, event.Text)
	}
}

// ensureProfile fetches the sender's profile, creating it with defaults
// on first contact.
func (d *Dispatcher) ensureProfile(ctx context.Context, event models.Event) (*models.UserProfile, error) {
	profile, err := d.store.GetProfile(ctx, event.UserID)
	if err == nil {
		return profile, nil
	}
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		return nil, err
	}
	profile = &models.UserProfile{
		ID:         event.UserID,
		FullName:   event.FullName,
		Username:   event.Username,
		LLMEnabled: true,
	}
	if err := d.store.UpsertProfile(ctx, profile); err != nil {
		return nil, err
	}
	log.Info().Str("user_id", event.UserID).Msg("dispatch: new user registered")
	return profile, nil
}

func (d *Dispatcher) isSuperuser(profile *models.UserProfile) bool {
	return d.superuserID != "" && profile.ID == d.superuserID
}

// ── Text Events ─────────────────────────────────────────────

func (d *Dispatcher) handleText(ctx context.Context, profile *models.UserProfile, text string) []models.Reply {
	text = strings.TrimSpace(text)

	// The feedback entry point wins over any pending wizard state, so a
	// user (or admin) mid-wizard can always bail out into feedback.
	if text == BtnFeedback || text == CmdFeedback {
		d.conv.Set(profile.ID, conversation.State{Kind: conversation.AwaitingFeedback})
		return []models.Reply{models.TextReply(MsgFeedbackPrompt)}
	}

	state := d.conv.Get(profile.ID)
	switch state.Kind {
	case conversation.AwaitingFeedback:
		return d.finishFeedback(ctx, profile, text)
	case conversation.AwaitingLimitInput:
		return d.finishLimitInput(ctx, profile, state, text)
	case conversation.AwaitingNewModelName:
		return d.collectModelName(profile, state, text)
	case conversation.AwaitingNewModelDescription:
		return d.finishNewModel(ctx, profile, state, text)
	case conversation.AwaitingModelSelection:
		// Model selection is button-driven; free text does not advance it.
		return []models.Reply{models.TextReply(MsgPickFromList)}
	}

	switch text {
	case CmdStart:
		return d.handleStart(ctx, profile)
	case CmdAbout:
		d.audit(ctx, profile.ID, "Opened about")
		return []models.Reply{models.TextReply(MsgAbout)}
	case CmdUsers:
		if !d.isSuperuser(profile) {
			return []models.Reply{models.TextReply(MsgPermissionDenied)}
		}
		d.conv.SetPage(profile.ID, 0)
		return d.userListPage(ctx, profile, 0)
	case CmdLLMEnable, CmdLLMDisable:
		if !d.isSuperuser(profile) {
			return []models.Reply{models.TextReply(MsgPermissionDenied)}
		}
		return d.setGlobalSwitch(ctx, profile, text == CmdLLMEnable)
	}

	// A plain message matching a category name browses the content tree.
	category, err := d.store.GetCategoryByName(ctx, text)
	if err == nil {
		return d.openCategory(ctx, profile, category)
	}
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		log.Error().Err(err).Msg("dispatch: category lookup failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}

	// Everything else is a question for the assistant.
	return []models.Reply{d.orch.Respond(ctx, profile.ID, text)}
}

func (d *Dispatcher) handleStart(ctx context.Context, profile *models.UserProfile) []models.Reply {
	d.audit(ctx, profile.ID, "Started the bot")
	categories, err := d.store.ListCategories(ctx)
	if err != nil {
		log.Error().Err(err).Msg("dispatch: listing categories failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}
	reply := models.Reply{Text: MsgWelcome}
	for _, c := range categories {
		reply.Choices = append(reply.Choices, models.Choice{
			Label: c.Name,
			Data:  "category:" + strconv.FormatInt(c.ID, 10),
		})
	}
	reply.Choices = append(reply.Choices, models.Choice{Label: BtnFeedback, Data: "feedback"})
	return []models.Reply{reply}
}

func (d *Dispatcher) finishFeedback(ctx context.Context, profile *models.UserProfile, text string) []models.Reply {
	if err := d.store.AppendFeedback(ctx, profile.ID, text); err != nil {
		log.Error().Err(err).Str("user_id", profile.ID).Msg("dispatch: saving feedback failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}
	d.conv.Clear(profile.ID)
	d.audit(ctx, profile.ID, "Left feedback")
	return []models.Reply{models.TextReply(MsgFeedbackThanks)}
}

func (d *Dispatcher) finishLimitInput(ctx context.Context, profile *models.UserProfile, state conversation.State, text string) []models.Reply {
	if !d.isSuperuser(profile) {
		d.conv.Clear(profile.ID)
		return []models.Reply{models.TextReply(MsgPermissionDenied)}
	}
	limit, err := strconv.Atoi(text)
	if err != nil || limit <= 0 {
		return []models.Reply{models.TextReply(MsgLimitInvalid)}
	}
	if err := d.ledger.SetLimit(ctx, state.Target, limit); err != nil {
		log.Error().Err(err).Str("target", state.Target).Msg("dispatch: setting limit failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}
	d.conv.Clear(profile.ID)
	d.audit(ctx, profile.ID, fmt.Sprintf("Set limit %d for user %s", limit, state.Target))
	return []models.Reply{models.TextReply(fmt.Sprintf("Limit for user %s set to %d.", state.Target, limit))}
}

func (d *Dispatcher) collectModelName(profile *models.UserProfile, state conversation.State, text string) []models.Reply {
	if !d.isSuperuser(profile) {
		d.conv.Clear(profile.ID)
		return []models.Reply{models.TextReply(MsgPermissionDenied)}
	}
	if text == "" {
		return []models.Reply{models.TextReply(MsgModelNameEmpty)}
	}
	d.conv.Set(profile.ID, conversation.State{
		Kind:        conversation.AwaitingNewModelDescription,
		Target:      state.Target,
		PendingName: text,
	})
	return []models.Reply{models.TextReply(MsgModelDescPrompt)}
}

func (d *Dispatcher) finishNewModel(ctx context.Context, profile *models.UserProfile, state conversation.State, text string) []models.Reply {
	if !d.isSuperuser(profile) {
		d.conv.Clear(profile.ID)
		return []models.Reply{models.TextReply(MsgPermissionDenied)}
	}
	model := &models.LLMModel{Name: state.PendingName, Description: text}
	if err := d.store.CreateModel(ctx, model); err != nil {
		var conflict *store.ErrConflict
		if errors.As(err, &conflict) {
			// Stay in this state; the admin can back out with the button.
			return []models.Reply{models.TextReply(
				fmt.Sprintf("A model named %q already exists.", state.PendingName))}
		}
		log.Error().Err(err).Msg("dispatch: creating model failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}
	d.audit(ctx, profile.ID, "Added model "+model.Name)
	reply := models.TextReply(fmt.Sprintf("Model %q added to the catalog.", model.Name))
	if state.Target != "" {
		// Back to the selection step so the admin can assign the new model.
		d.conv.Set(profile.ID, conversation.State{
			Kind:   conversation.AwaitingModelSelection,
			Target: state.Target,
		})
		return append([]models.Reply{reply}, d.modelMenu(ctx, profile, state.Target)...)
	}
	d.conv.Clear(profile.ID)
	return []models.Reply{reply}
}

// ── Callback Events ─────────────────────────────────────────

func (d *Dispatcher) handleCallback(ctx context.Context, profile *models.UserProfile, token string) []models.Reply {
	kind, arg, _ := strings.Cut(token, ":")

	switch kind {
	case "feedback":
		d.conv.Set(profile.ID, conversation.State{Kind: conversation.AwaitingFeedback})
		return []models.Reply{models.TextReply(MsgFeedbackPrompt)}
	case "category":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return []models.Reply{models.TextReply(MsgUnknownChoice)}
		}
		category, err := d.store.GetCategory(ctx, id)
		if err != nil {
			return d.lookupFailure(err, "category")
		}
		return d.openCategory(ctx, profile, category)
	case "subtopic":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return []models.Reply{models.TextReply(MsgUnknownChoice)}
		}
		return d.openSubtopic(ctx, profile, id)
	}

	// Everything below is the admin surface; the privilege check runs on
	// every token rather than trusting that the menu was shown to an admin.
	if !d.isSuperuser(profile) {
		return []models.Reply{models.TextReply(MsgPermissionDenied)}
	}

	switch kind {
	case "user":
		d.conv.SetSelectedTarget(profile.ID, arg)
		return d.actionMenu(ctx, profile, arg)
	case "users":
		// users:page:<n>
		sub, pageArg, _ := strings.Cut(arg, ":")
		if sub != "page" {
			return []models.Reply{models.TextReply(MsgUnknownChoice)}
		}
		page, err := strconv.Atoi(pageArg)
		if err != nil || page < 0 {
			page = 0
		}
		d.conv.SetPage(profile.ID, page)
		return d.userListPage(ctx, profile, page)
	case "admin":
		return d.handleAdminAction(ctx, profile, arg)
	case "model":
		return d.handleModelToken(ctx, profile, arg)
	case "llm":
		return d.setGlobalSwitch(ctx, profile, arg == "on")
	case "back":
		d.conv.Clear(profile.ID)
		d.conv.ClearSelectedTarget(profile.ID)
		return []models.Reply{models.TextReply(MsgCancelled)}
	}
	return []models.Reply{models.TextReply(MsgUnknownChoice)}
}

func (d *Dispatcher) handleAdminAction(ctx context.Context, profile *models.UserProfile, action string) []models.Reply {
	target := d.conv.AdminContext(profile.ID).SelectedTarget
	if target == "" {
		return []models.Reply{models.TextReply(MsgSelectUserFirst)}
	}
	switch action {
	case "limit":
		d.conv.Set(profile.ID, conversation.State{Kind: conversation.AwaitingLimitInput, Target: target})
		return []models.Reply{models.TextReply(MsgLimitPrompt)}
	case "model":
		d.conv.Set(profile.ID, conversation.State{Kind: conversation.AwaitingModelSelection, Target: target})
		return d.modelMenu(ctx, profile, target)
	case "llm_on", "llm_off":
		enabled := action == "llm_on"
		if err := d.gate.SetUserEnabled(ctx, target, enabled); err != nil {
			log.Error().Err(err).Str("target", target).Msg("dispatch: user switch update failed")
			return []models.Reply{models.TextReply(MsgStorageError)}
		}
		verb := "enabled"
		if !enabled {
			verb = "disabled"
		}
		d.audit(ctx, profile.ID, fmt.Sprintf("Assistant %s for user %s", verb, target))
		return []models.Reply{models.TextReply(fmt.Sprintf("Assistant %s for user %s.", verb, target))}
	}
	return []models.Reply{models.TextReply(MsgUnknownChoice)}
}

func (d *Dispatcher) handleModelToken(ctx context.Context, profile *models.UserProfile, arg string) []models.Reply {
	state := d.conv.Get(profile.ID)
	if state.Kind != conversation.AwaitingModelSelection {
		return []models.Reply{models.TextReply(MsgUnknownChoice)}
	}
	if arg == "new" {
		d.conv.Set(profile.ID, conversation.State{Kind: conversation.AwaitingNewModelName, Target: state.Target})
		return []models.Reply{models.TextReply(MsgModelNamePrompt)}
	}
	// Assign only cataloged models, not arbitrary token payloads.
	if _, err := d.store.GetModelByName(ctx, arg); err != nil {
		return d.lookupFailure(err, "model")
	}
	if err := d.store.SetProfileModel(ctx, state.Target, arg); err != nil {
		log.Error().Err(err).Str("target", state.Target).Msg("dispatch: model assignment failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}
	d.conv.Clear(profile.ID)
	d.audit(ctx, profile.ID, fmt.Sprintf("Set model %s for user %s", arg, state.Target))
	return []models.Reply{models.TextReply(fmt.Sprintf("Model for user %s set to %s.", state.Target, arg))}
}

func (d *Dispatcher) setGlobalSwitch(ctx context.Context, profile *models.UserProfile, enabled bool) []models.Reply {
	if err := d.gate.SetGlobal(ctx, enabled); err != nil {
		log.Error().Err(err).Msg("dispatch: global switch update failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}
	verb := "enabled"
	if !enabled {
		verb = "disabled"
	}
	d.audit(ctx, profile.ID, "Assistant globally "+verb)
	return []models.Reply{models.TextReply("Assistant is now globally " + verb + ".")}
}

// ── Menus ───────────────────────────────────────────────────

func (d *Dispatcher) openCategory(ctx context.Context, profile *models.UserProfile, category *models.Category) []models.Reply {
	d.audit(ctx, profile.ID, "Opened category "+category.Name)
	subtopics, err := d.store.ListSubtopics(ctx, category.ID)
	if err != nil {
		log.Error().Err(err).Int64("category_id", category.ID).
			Msg("dispatch: listing subtopics failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}
	if len(subtopics) == 0 {
		if category.Description != "" {
			return []models.Reply{models.TextReply(category.Description)}
		}
		return []models.Reply{models.TextReply(MsgNoInformation)}
	}
	reply := models.Reply{Text: category.Name + ". Pick a subtopic:"}
	for _, s := range subtopics {
		reply.Choices = append(reply.Choices, models.Choice{
			Label: s.Name,
			Data:  "subtopic:" + strconv.FormatInt(s.ID, 10),
		})
	}
	return []models.Reply{reply}
}

func (d *Dispatcher) openSubtopic(ctx context.Context, profile *models.UserProfile, id int64) []models.Reply {
	subtopic, err := d.store.GetSubtopic(ctx, id)
	if err != nil {
		return d.lookupFailure(err, "subtopic")
	}
	d.audit(ctx, profile.ID, "Opened subtopic "+subtopic.Name)
	text := subtopic.Content
	if text == "" {
		text = MsgNoInformation
	}
	return []models.Reply{{Text: text, MediaPath: subtopic.MediaPath}}
}

func (d *Dispatcher) userListPage(ctx context.Context, profile *models.UserProfile, page int) []models.Reply {
	total, err := d.store.CountProfiles(ctx)
	if err != nil {
		log.Error().Err(err).Msg("dispatch: counting profiles failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}
	profiles, err := d.store.ListProfiles(ctx, page*usersPageSize, usersPageSize)
	if err != nil {
		log.Error().Err(err).Msg("dispatch: listing profiles failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}
	reply := models.Reply{Text: fmt.Sprintf("%s (%d users, page %d)", MsgPickUser, total, page+1)}
	for _, p := range profiles {
		label := p.FullName
		if label == "" {
			label = p.ID
		}
		if p.Username != "" {
			label += " (@" + p.Username + ")"
		}
		reply.Choices = append(reply.Choices, models.Choice{Label: label, Data: "user:" + p.ID})
	}
	if page > 0 {
		reply.Choices = append(reply.Choices, models.Choice{
			Label: lblPrevPage, Data: "users:page:" + strconv.Itoa(page-1)})
	}
	if (page+1)*usersPageSize < total {
		reply.Choices = append(reply.Choices, models.Choice{
			Label: lblNextPage, Data: "users:page:" + strconv.Itoa(page+1)})
	}
	return []models.Reply{reply}
}

func (d *Dispatcher) actionMenu(ctx context.Context, profile *models.UserProfile, target string) []models.Reply {
	q, err := d.ledger.Ensure(ctx, target)
	if err != nil {
		log.Error().Err(err).Str("target", target).Msg("dispatch: quota lookup failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}
	enabled, err := d.gate.UserEnabled(ctx, target)
	if err != nil {
		log.Error().Err(err).Str("target", target).Msg("dispatch: user switch lookup failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}
	toggle := models.Choice{Label: lblDisableLLM, Data: "admin:llm_off"}
	if !enabled {
		toggle = models.Choice{Label: lblEnableLLM, Data: "admin:llm_on"}
	}
	return []models.Reply{{
		Text: fmt.Sprintf("User %s: %d/%d requests used. %s", target, q.Used, q.Limit, MsgPickAction),
		Choices: []models.Choice{
			{Label: lblSetLimit, Data: "admin:limit"},
			{Label: lblSetModel, Data: "admin:model"},
			toggle,
			{Label: lblBack, Data: "back"},
		},
	}}
}

func (d *Dispatcher) modelMenu(ctx context.Context, profile *models.UserProfile, target string) []models.Reply {
	catalog, err := d.store.ListModels(ctx)
	if err != nil {
		log.Error().Err(err).Msg("dispatch: listing models failed")
		return []models.Reply{models.TextReply(MsgStorageError)}
	}
	reply := models.Reply{Text: MsgPickModel}
	for _, m := range catalog {
		label := m.Name
		if m.Description != "" {
			label = m.Name + " (" + m.Description + ")"
		}
		reply.Choices = append(reply.Choices, models.Choice{Label: label, Data: "model:" + m.Name})
	}
	reply.Choices = append(reply.Choices,
		models.Choice{Label: lblAddModel, Data: "model:new"},
		models.Choice{Label: lblBack, Data: "back"},
	)
	return []models.Reply{reply}
}

// ── Helpers ─────────────────────────────────────────────────

// lookupFailure maps a store error on a menu lookup to a user reply.
func (d *Dispatcher) lookupFailure(err error, entity string) []models.Reply {
	var notFound *store.ErrNotFound
	if errors.As(err, &notFound) {
		return []models.Reply{models.TextReply(MsgUnknownChoice)}
	}
	log.Error().Err(err).Str("entity", entity).Msg("dispatch: lookup failed")
	return []models.Reply{models.TextReply(MsgStorageError)}
}

func (d *Dispatcher) audit(ctx context.Context, userID, message string) {
	if err := d.store.AppendAudit(ctx, userID, message); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("dispatch: audit write failed")
	}
}
