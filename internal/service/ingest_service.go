package service

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/realtime"
)

const (
	// tabSwitchWarnAt is the quick rule threshold: the third tab switch in a
	// session pushes a warning without waiting for inference.
	tabSwitchWarnAt = 3

	// ingestRateWindow / ingestRateLimit bound inbound messages per session
	// and kind. Overflow is dropped, not surfaced.
	ingestRateWindow = 10 * time.Second
	ingestRateLimit  = 100
)

// BusPublisher publishes pipeline messages to the broker.
type BusPublisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

// BehaviorStore persists browser-originated records and serves quick rules.
type BehaviorStore interface {
	InsertBehaviorEvent(ctx context.Context, e *model.BehaviorEvent) error
	CountBehaviorByType(ctx context.Context, sessionID uuid.UUID, t model.BehaviorEventType) (int, error)
}

// IngestRateLimiter counts inbound realtime messages per session and kind.
type IngestRateLimiter interface {
	CountWSMessage(ctx context.Context, sessionID uuid.UUID, kind string, window time.Duration) (int64, error)
}

// IngestService receives browser frames, audio and behaviour events from the
// realtime channel and feeds the analysis pipeline. Ownership of the session
// is checked by the channel handler before any of this runs.
type IngestService struct {
	sessions SessionReader
	behavior BehaviorStore
	bus      BusPublisher
	limiter  IngestRateLimiter
	engine   *SessionService
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
}

// NewIngestService wires the ingestion pipeline.
func NewIngestService(
	sessions SessionReader,
	behavior BehaviorStore,
	bus BusPublisher,
	limiter IngestRateLimiter,
	engine *SessionService,
	notifier Notifier,
	log zerolog.Logger,
) *IngestService {
	return &IngestService{
		sessions: sessions,
		behavior: behavior,
		bus:      bus,
		limiter:  limiter,
		engine:   engine,
		notifier: notifier,
		log:      log.With().Str("component", "ingest").Logger(),
		now:      time.Now,
	}
}

// InboundPayload is the body of one /app/exam/{sessionID}/{kind} message.
type InboundPayload struct {
	Payload   string         `json:"payload,omitempty"`
	Type      string         `json:"type,omitempty"`
	Timestamp any            `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HandleInbound dispatches one inbound message by kind.
func (s *IngestService) HandleInbound(ctx context.Context, sessionID uuid.UUID, kind string, msg *InboundPayload) error {
	switch kind {
	case realtime.InboundFrame:
		return s.handleMedia(ctx, sessionID, realtime.InboundFrame, config.BusKey.FrameAnalysisQueue, msg)
	case realtime.InboundAudio:
		return s.handleMedia(ctx, sessionID, realtime.InboundAudio, config.BusKey.AudioAnalysisQueue, msg)
	case realtime.InboundEvent:
		return s.handleBehavior(ctx, sessionID, msg)
	case realtime.InboundHeartbeat:
		return s.engine.Heartbeat(ctx, sessionID)
	}
	s.log.Warn().Str("kind", kind).Msg("Unknown inbound kind")
	return nil
}

// handleMedia wraps a frame or audio payload in a bus message and publishes
// it for analysis. Closed sessions drop silently.
func (s *IngestService) handleMedia(ctx context.Context, sessionID uuid.UUID, kind, queue string, msg *InboundPayload) error {
	if msg.Payload == "" {
		return nil
	}
	open, err := s.sessionOpen(ctx, sessionID)
	if err != nil || !open {
		return err
	}
	if s.overLimit(ctx, sessionID, kind) {
		return nil
	}

	return s.bus.Publish(ctx, queue, model.AnalysisMessage{
		SessionID: sessionID,
		Payload:   msg.Payload,
		Timestamp: s.parseTimestamp(msg.Timestamp),
	})
}

// handleBehavior persists the browser event, forwards it to the analysis
// pipeline and applies quick rules.
func (s *IngestService) handleBehavior(ctx context.Context, sessionID uuid.UUID, msg *InboundPayload) error {
	eventType := model.BehaviorEventType(msg.Type)
	if !model.KnownBehaviorEvent(eventType) {
		s.log.Warn().Str("type", msg.Type).Str("session_id", sessionID.String()).Msg("Unknown behavior event type")
		return nil
	}
	open, err := s.sessionOpen(ctx, sessionID)
	if err != nil || !open {
		return err
	}
	if s.overLimit(ctx, sessionID, realtime.InboundEvent) {
		return nil
	}

	occurredAt := time.UnixMilli(s.parseTimestamp(msg.Timestamp))
	event := &model.BehaviorEvent{
		SessionID:  sessionID,
		EventType:  eventType,
		OccurredAt: occurredAt,
		Metadata:   msg.Metadata,
	}
	if err := s.behavior.InsertBehaviorEvent(ctx, event); err != nil {
		return err
	}

	if err := s.bus.Publish(ctx, config.BusKey.BehaviorEventsQueue, model.BehaviorMessage{
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: occurredAt.UnixMilli(),
		Metadata:  msg.Metadata,
	}); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Behavior publish failed")
	}

	s.applyQuickRules(ctx, sessionID, eventType)
	return nil
}

// applyQuickRules reacts to browser events deterministically, without
// waiting for inference.
func (s *IngestService) applyQuickRules(ctx context.Context, sessionID uuid.UUID, eventType model.BehaviorEventType) {
	if eventType != model.BehaviorTabSwitch {
		return
	}
	count, err := s.behavior.CountBehaviorByType(ctx, sessionID, model.BehaviorTabSwitch)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Quick rule count failed")
		return
	}
	if count >= tabSwitchWarnAt {
		s.notifier.Publish(realtime.SessionQueue(sessionID, realtime.ChannelWarning), "WARNING", map[string]any{
			"event_type": model.EventTabSwitch,
			"message":    model.WarningText(model.EventTabSwitch),
			"count":      count,
		})
	}
}

func (s *IngestService) sessionOpen(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return session.IsOpen() && !session.IsSuspended, nil
}

func (s *IngestService) overLimit(ctx context.Context, sessionID uuid.UUID, kind string) bool {
	n, err := s.limiter.CountWSMessage(ctx, sessionID, kind, ingestRateWindow)
	if err != nil {
		return false // rate limiting is advisory; never block on cache failure
	}
	if n > ingestRateLimit {
		if n == ingestRateLimit+1 {
			s.log.Warn().Str("session_id", sessionID.String()).Str("kind", kind).Msg("Inbound rate limit hit")
		}
		return true
	}
	return false
}

// parseTimestamp accepts epoch-ms as a JSON number or numeric string and
// falls back to server time. Never raises on type.
func (s *IngestService) parseTimestamp(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case string:
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return ms
		}
	}
	return s.now().UnixMilli()
}

// Session exposes the session lookup for the channel handler's ownership
// cross-check.
func (s *IngestService) Session(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	return s.sessions.GetByID(ctx, sessionID)
}
