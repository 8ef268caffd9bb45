package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/actiongate/internal/actions"
	"github.com/basket/actiongate/internal/bus"
	"github.com/basket/actiongate/internal/config"
	"github.com/basket/actiongate/internal/dlq"
	"github.com/basket/actiongate/internal/idempotency"
	obs "github.com/basket/actiongate/internal/otel"
	"github.com/basket/actiongate/internal/webhook"
)

// inboundEvent is the envelope every integration posts after its
// signature clears. Fields beyond type are per-event-type.
type inboundEvent struct {
	Type           string          `json:"type"`
	AppID          string          `json:"app_id"`
	ConversationID string          `json:"conversation_id"`
	Category       string          `json:"category"`
	Text           string          `json:"text"`
	Tool           string          `json:"tool"`
	Args           json.RawMessage `json:"args"`
	RetryCount     int             `json:"retry_count"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	integration := r.PathValue("integration")
	cfg := s.config()

	tracer := otelapi.Tracer(obs.TracerName)
	ctx, span := obs.StartServerSpan(r.Context(), tracer, "webhook.receive",
		obs.AttrIntegration.String(integration))
	defer span.End()

	integ, known := cfg.Webhook.Integrations[integration]
	if !known {
		writeError(w, http.StatusNotFound, "unknown integration")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !s.limiter.allow(integration, start) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitRejects.Add(ctx, 1,
				metric.WithAttributes(obs.AttrIntegration.String(integration)))
		}
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if err := s.verify(r, body, integ, cfg, start); err != nil {
		s.rejectWebhook(ctx, w, integration, err)
		return
	}

	if s.deps.Trail != nil {
		s.deps.Trail.Record(ctx, "webhook.verify", "allow", "", integration)
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(bus.TopicWebhookVerified, bus.WebhookEvent{Integration: integration, Valid: true})
	}

	// Envelope-mode registration handshake: echo the challenge and stop.
	if integ.Envelope {
		if challenge, err := webhook.Challenge(body); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
			return
		}
	}

	var ev inboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event payload")
		return
	}

	s.dispatchEvent(ctx, w, integration, cfg, ev, body)

	if s.deps.Metrics != nil {
		s.deps.Metrics.RequestDuration.Record(ctx, s.now().Sub(start).Seconds(),
			metric.WithAttributes(obs.AttrIntegration.String(integration)))
	}
}

// verify runs the integration's configured scheme against the raw body.
func (s *Server) verify(r *http.Request, body []byte, integ config.IntegrationConfig, cfg config.Config, now time.Time) error {
	opts := webhook.Options{
		MaxAge:     cfg.WebhookMaxAge(),
		FutureSkew: cfg.WebhookFutureSkew(),
	}

	if integ.Envelope {
		sigHeader := integ.HeaderName
		if sigHeader == "" {
			sigHeader = envelopeSignatureHeader
		}
		return webhook.VerifyEnvelope(body,
			r.Header.Get(envelopeTimestampHeader), r.Header.Get(sigHeader),
			integ.Secrets, now, opts)
	}

	headerName := integ.HeaderName
	if headerName == "" {
		headerName = webhook.DefaultHeaderName
	}
	value := r.Header.Get(headerName)
	if value == "" && integ.HeaderName == "" {
		value = r.Header.Get(webhook.AltHeaderName)
	}
	return webhook.Verify(body, value, integ.Secrets, now, opts)
}

// rejectWebhook logs the specific sentinel internally and returns a
// generic 401 so probes learn nothing about which check failed.
func (s *Server) rejectWebhook(ctx context.Context, w http.ResponseWriter, integration string, err error) {
	s.log.Warn("webhook rejected", "integration", integration, "error", err)
	if s.deps.Metrics != nil {
		s.deps.Metrics.VerifyFailures.Add(ctx, 1,
			metric.WithAttributes(obs.AttrIntegration.String(integration)))
	}
	if s.deps.Trail != nil {
		s.deps.Trail.Record(ctx, "webhook.verify", "deny", err.Error(), integration)
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(bus.TopicWebhookRejected, bus.WebhookEvent{
			Integration: integration,
			Reason:      err.Error(),
		})
	}
	writeError(w, http.StatusUnauthorized, "signature verification failed")
}

func (s *Server) dispatchEvent(ctx context.Context, w http.ResponseWriter, integration string, cfg config.Config, ev inboundEvent, raw []byte) {
	switch ev.Type {
	case "draft.created":
		s.handleDraftCreated(ctx, w, ev)
	case "message.sent":
		s.handleMessageSent(ctx, w, ev)
	case "action.requested":
		s.handleActionRequested(ctx, w, integration, cfg, ev, raw)
	default:
		writeError(w, http.StatusBadRequest, "unknown event type")
	}
}

// handleDraftCreated registers the draft for outcome tracking and
// answers with the auto-send verdict for its (app, category).
func (s *Server) handleDraftCreated(ctx context.Context, w http.ResponseWriter, ev inboundEvent) {
	if ev.AppID == "" || ev.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "app_id and conversation_id are required")
		return
	}
	decision, err := s.deps.Gate.Evaluate(ctx, ev.AppID, ev.Category)
	if err != nil {
		s.log.Error("gate evaluation", "app_id", ev.AppID, "error", err)
		writeError(w, http.StatusInternalServerError, "gate unavailable")
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.GateDecisions.Add(ctx, 1,
			metric.WithAttributes(obs.AttrDecision.Bool(decision.AutoSend)))
	}

	draftID, err := s.deps.Recorder.TrackDraft(ctx, ev.AppID, ev.ConversationID, ev.Category, ev.Text)
	if err != nil {
		s.log.Error("track draft", "conversation_id", ev.ConversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "draft tracking failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"draft_id":  draftID,
		"auto_send": decision.AutoSend,
		"reason":    decision.Reason,
	})
}

// handleMessageSent resolves the conversation's tracked draft against
// what the human actually sent and folds the outcome into trust.
func (s *Server) handleMessageSent(ctx context.Context, w http.ResponseWriter, ev inboundEvent) {
	if ev.AppID == "" || ev.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "app_id and conversation_id are required")
		return
	}
	res, err := s.deps.Recorder.RecordSend(ctx, ev.AppID, ev.ConversationID, ev.Category, ev.Text)
	if err != nil {
		s.log.Error("record send", "conversation_id", ev.ConversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "outcome recording failed")
		return
	}
	if err := s.deps.Scorer.RecordOutcome(ctx, ev.AppID, ev.Category, res.Outcome); err != nil {
		s.log.Error("update trust", "app_id", ev.AppID, "error", err)
		writeError(w, http.StatusInternalServerError, "trust update failed")
		return
	}
	if s.deps.ScoreCache != nil {
		s.deps.ScoreCache.Invalidate(ev.AppID, ev.Category)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.OutcomesRecorded.Add(ctx, 1,
			metric.WithAttributes(obs.AttrOutcome.String(string(res.Outcome))))
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(bus.TopicOutcomeRecorded, bus.OutcomeEvent{
			AppID:      ev.AppID,
			Category:   ev.Category,
			Outcome:    string(res.Outcome),
			Similarity: res.Similarity,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome":    string(res.Outcome),
		"similarity": res.Similarity,
	})
}

// handleActionRequested validates, gates, and executes one
// side-effecting action exactly once.
func (s *Server) handleActionRequested(ctx context.Context, w http.ResponseWriter, integration string, cfg config.Config, ev inboundEvent, raw []byte) {
	if ev.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	kind, err := actions.ParseKind(ev.Tool)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := actions.ValidateArgs(kind, ev.Args); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision, err := s.deps.Gate.Evaluate(ctx, ev.AppID, ev.Category)
	if err != nil {
		s.log.Error("gate evaluation", "app_id", ev.AppID, "error", err)
		writeError(w, http.StatusInternalServerError, "gate unavailable")
		return
	}
	if !decision.AutoSend {
		if s.deps.Trail != nil {
			s.deps.Trail.Record(ctx, "action."+ev.Tool, "deny", decision.Reason, subject(integration, ev.ConversationID))
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status": "held",
			"reason": decision.Reason,
		})
		return
	}

	result, duplicate, err := s.deps.Guard.Execute(ctx, ev.ConversationID, ev.Tool, ev.Args,
		func(ctx context.Context) (string, error) {
			return s.deps.Executor.Execute(ctx, actions.Request{
				ConversationID: ev.ConversationID,
				Kind:           kind,
				Args:           ev.Args,
			})
		})

	if duplicate && s.deps.Metrics != nil {
		s.deps.Metrics.DuplicateHits.Add(ctx, 1,
			metric.WithAttributes(obs.AttrToolName.String(ev.Tool)))
	}

	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":    "in_progress",
			"duplicate": true,
		})
		return
	case errors.Is(err, idempotency.ErrPriorFailure):
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":    "failed",
			"duplicate": true,
			"error":     err.Error(),
		})
		return
	case err != nil:
		s.recordActionFailure(ctx, cfg, ev, raw, err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"status":         "failed",
			"error":          err.Error(),
			"retry_after_ms": dlq.Backoff(ev.RetryCount, dlq.BackoffStrategy(cfg.DLQ.BackoffStrategy)).Milliseconds(),
		})
		return
	}

	if !duplicate {
		if serr := s.deps.DLQ.RecordSuccess(ctx, ev.Tool); serr != nil {
			s.log.Error("reset failure streak", "operation", ev.Tool, "error", serr)
		}
		if s.deps.Trail != nil {
			s.deps.Trail.Record(ctx, "action."+ev.Tool, "allow", decision.Reason, subject(integration, ev.ConversationID))
		}
	}
	if s.deps.Bus != nil {
		topic := bus.TopicOperationCompleted
		if duplicate {
			topic = bus.TopicOperationDuplicate
		}
		s.deps.Bus.Publish(topic, bus.OperationEvent{
			ConversationID: ev.ConversationID,
			Tool:           ev.Tool,
			Status:         "completed",
			Duplicate:      duplicate,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "completed",
		"duplicate": duplicate,
		"result":    json.RawMessage(result),
	})
}

func (s *Server) recordActionFailure(ctx context.Context, cfg config.Config, ev inboundEvent, raw []byte, opErr error) {
	rec, derr := s.deps.DLQ.Record(ctx, ev.Tool, string(raw), opErr, ev.RetryCount)
	if derr != nil {
		s.log.Error("dead-letter action failure", "operation", ev.Tool, "error", derr)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.DeadLetters.Add(ctx, 1,
			metric.WithAttributes(obs.AttrToolName.String(ev.Tool)))
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(bus.TopicDeadLetterRecorded, bus.DeadLetterEvent{
			ID:                  rec.ID,
			Operation:           ev.Tool,
			ConsecutiveFailures: rec.ConsecutiveFailures,
		})
	}
}
