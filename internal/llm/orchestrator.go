package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/infobot/infobot/internal/conversation"
	"github.com/infobot/infobot/internal/feature"
	"github.com/infobot/infobot/internal/images"
	"github.com/infobot/infobot/internal/quota"
	"github.com/infobot/infobot/internal/store"
	"github.com/infobot/infobot/pkg/models"
)

// User-facing messages for every way an LLM request can stop short.
const (
	MsgGlobalDisabled = "The assistant is currently disabled for everyone. Please try again later."
	MsgUserDisabled   = "The assistant is disabled for your account."
	MsgGatewayError   = "The assistant could not process your request. Please try again later."
	MsgUnavailable    = "The assistant is temporarily unavailable. Please try again later."
	MsgBusy           = "Your previous request is still being processed. Please wait for it to finish."
	MsgImageFailed    = "Could not save your image. Please try sending it again."
	MsgImageBuffered  = "Image received. Send a question about it and I'll take a look."
	MsgImageSaved     = "Image saved."
)

// quotaExceededMessage names the escalation contact, per deployment.
func quotaExceededMessage(contact string) string {
	return fmt.Sprintf("You have used up your request quota. Contact %s to have it raised.", contact)
}

// Orchestrator runs one LLM exchange end to end: feature gate, quota
// reservation, model resolution, optional image, the single gateway
// attempt, then persistence and accounting.
type Orchestrator struct {
	gate         *feature.Gate
	ledger       *quota.Ledger
	store        store.Store
	objects      images.ObjectStore
	conv         *conversation.Store
	gateway      Gateway
	defaultModel string
	contact      string // escalation contact shown on quota exhaustion

	// At most one outstanding gateway call per user; a second request
	// while one is in flight is turned away instead of queued.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Config wires an Orchestrator.
type Config struct {
	Gate         *feature.Gate
	Ledger       *quota.Ledger
	Store        store.Store
	Objects      images.ObjectStore
	Conversation *conversation.Store
	Gateway      Gateway
	DefaultModel string
	Contact      string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{
		gate:         cfg.Gate,
		ledger:       cfg.Ledger,
		store:        cfg.Store,
		objects:      cfg.Objects,
		conv:         cfg.Conversation,
		gateway:      cfg.Gateway,
		defaultModel: cfg.DefaultModel,
		contact:      cfg.Contact,
		inflight:     make(map[string]struct{}),
	}
}

func (o *Orchestrator) tryAcquire(userID string) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if _, busy := o.inflight[userID]; busy {
		return false
	}
	o.inflight[userID] = struct{}{}
	return true
}

func (o *Orchestrator) release(userID string) {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	delete(o.inflight, userID)
}

// Respond handles one prompt for a user. If the user has a buffered
// pending image it is consumed by this exchange. Every failure mode maps
// to a specific user-facing reply; the gate checks fail closed on
// storage errors.
func (o *Orchestrator) Respond(ctx context.Context, userID, prompt string) models.Reply {
	ctx, span := otel.Tracer("infobot/llm").Start(ctx, "llm.respond")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	if !o.tryAcquire(userID) {
		return models.TextReply(MsgBusy)
	}
	defer o.release(userID)

	// Feature switch, both levels. Profile also carries the model override.
	global, err := o.gate.GlobalEnabled(ctx)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("global switch check failed")
		return models.TextReply(MsgUnavailable)
	}
	profile, err := o.store.GetProfile(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("profile read failed")
		return models.TextReply(MsgUnavailable)
	}
	if !global {
		return models.TextReply(MsgGlobalDisabled)
	}
	if !profile.LLMEnabled {
		return models.TextReply(MsgUserDisabled)
	}

	// Reserve a quota unit before the call; released again on failure.
	if err := o.ledger.Reserve(ctx, userID); err != nil {
		if errors.Is(err, quota.ErrExhausted) {
			return models.TextReply(quotaExceededMessage(o.contact))
		}
		log.Error().Err(err).Str("user_id", userID).Msg("quota reservation failed")
		return models.TextReply(MsgUnavailable)
	}

	model := profile.LLMModel
	if model == "" {
		model = o.defaultModel
	}

	// A buffered image is consumed by exactly one exchange. If the blob
	// cannot be fetched the request degrades to text-only.
	var imageData []byte
	if path, ok := o.conv.TakePendingImage(userID); ok {
		imageData, err = o.objects.Fetch(ctx, path)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Str("path", path).
				Msg("image fetch failed, continuing text-only")
			imageData = nil
		}
	}

	response, err := o.gateway.Complete(ctx, prompt, model, imageData)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("model", model).Msg("gateway call failed")
		o.ledger.Release(ctx, userID)
		o.audit(ctx, userID, fmt.Sprintf("LLM error: %v", err))
		return models.TextReply(MsgGatewayError)
	}

	// Persist the exchange; delivery does not depend on bookkeeping.
	exchange := &models.Exchange{UserID: userID, Prompt: prompt, Response: response}
	if err := o.store.AppendExchange(ctx, exchange); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("exchange persist failed")
	}

	return models.TextReply(response)
}

// AcceptPhoto is the image upload entry point: the blob goes to the
// object store and is recorded; a caption triggers an immediate exchange
// with the image, otherwise the image waits for the next text prompt.
func (o *Orchestrator) AcceptPhoto(ctx context.Context, userID string, data []byte, caption string) models.Reply {
	ctx, span := otel.Tracer("infobot/llm").Start(ctx, "llm.accept_photo")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	path, err := o.objects.Save(ctx, data, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("image save failed")
		return models.TextReply(MsgImageFailed)
	}
	if err := o.store.AppendImage(ctx, userID, path); err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("path", path).Msg("image record failed")
	}

	// Overwrites any unconsumed earlier upload.
	o.conv.SetPendingImage(userID, path)

	if caption != "" {
		return o.Respond(ctx, userID, caption)
	}

	// Acknowledgment wording follows the user's current switch state.
	if enabled, err := o.gate.UserEnabled(ctx, userID); err == nil && enabled {
		return models.TextReply(MsgImageBuffered)
	}
	return models.TextReply(MsgImageSaved)
}

func (o *Orchestrator) audit(ctx context.Context, userID, message string) {
	if err := o.store.AppendAudit(ctx, userID, message); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("audit write failed")
	}
}
