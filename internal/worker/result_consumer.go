package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/cache"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/realtime"
	"github.com/vigilhq/vigil-backend/internal/service"
)

// ResultBus hands the consumer its delivery stream.
type ResultBus interface {
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, *amqp.Channel, error)
}

// Suspender is the slice of the session engine the consumer invokes.
type Suspender interface {
	SuspendSession(ctx context.Context, sessionID uuid.UUID, reason string, source model.EventSource) error
}

// RiskWindowCache is the rolling-window state kept in Redis.
type RiskWindowCache interface {
	ObserveResult(ctx context.Context, sessionID uuid.UUID, at time.Time, critical bool, window, ttl time.Duration) (cache.WindowCounts, error)
	ClearRiskWindow(ctx context.Context, sessionID uuid.UUID) error
}

// ResultConsumer drains proctoring.results: persists events, maintains
// violation summaries, alerts proctors, warns students and evaluates the
// rolling-window auto-suspend rule. A single consumer with prefetch=1 keeps
// per-session processing serial.
type ResultConsumer struct {
	bus      ResultBus
	tx       service.Transactor
	sessions service.SessionReader
	events   service.ViolationStore
	window   RiskWindowCache
	engine   Suspender
	notifier service.Notifier
	cfg      *config.Config
	log      zerolog.Logger
	now      func() time.Time
}

// NewResultConsumer wires the inference result pipeline.
func NewResultConsumer(
	bus ResultBus,
	tx service.Transactor,
	sessions service.SessionReader,
	events service.ViolationStore,
	window RiskWindowCache,
	engine Suspender,
	notifier service.Notifier,
	cfg *config.Config,
	log zerolog.Logger,
) *ResultConsumer {
	return &ResultConsumer{
		bus:      bus,
		tx:       tx,
		sessions: sessions,
		events:   events,
		window:   window,
		engine:   engine,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With().Str("component", "result_consumer").Logger(),
		now:      time.Now,
	}
}

// Start consumes until the context is cancelled. Handler failures reject the
// message without requeue so the broker routes it to the DLQ.
func (c *ResultConsumer) Start(ctx context.Context) error {
	deliveries, ch, err := c.bus.Consume(config.BusKey.ResultsQueue, "result-consumer")
	if err != nil {
		return fmt.Errorf("attach consumer: %w", err)
	}
	defer ch.Close()

	c.log.Info().Msg("ResultConsumer started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("ResultConsumer stopping")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handle(ctx, d.Body); err != nil {
				c.log.Error().Err(err).Msg("Result rejected, routing to DLQ")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *ResultConsumer) handle(ctx context.Context, body []byte) error {
	var result model.InferenceResult
	if err := json.Unmarshal(body, &result); err != nil {
		return apperror.Wrap(apperror.KindDLQRoute, "MALFORMED_RESULT", "undecodable inference result", err)
	}
	if result.SessionID == uuid.Nil {
		return apperror.New(apperror.KindDLQRoute, "MALFORMED_RESULT", "missing session id")
	}
	return c.Process(ctx, &result)
}

// Process applies one inference result. Steps 1–4 (persist event, update
// summary) share a unit of work; the realtime publications go out after the
// commit; the auto-suspend evaluation commits independently inside the
// session engine.
func (c *ResultConsumer) Process(ctx context.Context, result *model.InferenceResult) error {
	// Unknown event types are never coerced; they route to the DLQ.
	if _, known := model.CounterColumn(result.EventType); !known {
		return apperror.New(apperror.KindDLQRoute, "UNKNOWN_EVENT_TYPE",
			fmt.Sprintf("unknown event type %q", result.EventType))
	}

	session, err := c.sessions.GetByID(ctx, result.SessionID)
	if err != nil {
		return apperror.Wrap(apperror.KindDLQRoute, "SESSION_NOT_FOUND", "result for unknown session", err)
	}
	// Closed sessions drop silently; a requeued duplicate is a no-op.
	if !session.IsOpen() || session.IsSuspended {
		c.log.Debug().Str("session_id", session.ID.String()).Msg("Result for closed session dropped")
		return nil
	}

	riskScore := 0.0
	if result.RiskScore != nil {
		riskScore = *result.RiskScore
	}

	err = c.tx.WithTx(ctx, func(ctx context.Context) error {
		event := &model.ProctoringEvent{
			SessionID:    result.SessionID,
			EventType:    result.EventType,
			Severity:     result.Severity,
			Confidence:   result.Confidence,
			Description:  result.Description,
			SnapshotPath: result.SnapshotPath,
			Source:       model.SourceAI,
			Metadata:     result.Metadata,
		}
		if err := c.events.InsertEvent(ctx, event); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		if err := c.events.ApplyEvent(ctx, result.SessionID, result.EventType, riskScore); err != nil {
			return fmt.Errorf("update summary: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.notifier.Publish(realtime.ProctorTopic(session.ExamID), "VIOLATION_ALERT", map[string]any{
		"session_id":  result.SessionID,
		"event_type":  result.EventType,
		"severity":    result.Severity,
		"confidence":  result.Confidence,
		"description": result.Description,
		"risk_score":  riskScore,
	})

	if result.Severity == model.SeverityHigh || result.Severity == model.SeverityCritical {
		c.notifier.Publish(realtime.SessionQueue(result.SessionID, realtime.ChannelWarning), "WARNING", map[string]any{
			"event_type": result.EventType,
			"severity":   result.Severity,
			"message":    model.WarningText(result.EventType),
		})
	}

	return c.evaluateWindow(ctx, result.SessionID, riskScore)
}

// evaluateWindow records the result in the rolling window and suspends the
// session when the critical ratio holds over enough frames. Both window keys
// are deleted before suspending so a requeued duplicate cannot double-fire:
// a racing evaluation then observes an empty window.
func (c *ResultConsumer) evaluateWindow(ctx context.Context, sessionID uuid.UUID, riskScore float64) error {
	critical := riskScore > c.cfg.CriticalRiskThreshold
	window := time.Duration(c.cfg.WindowSeconds) * time.Second
	ttl := time.Duration(c.cfg.WindowTTLSeconds) * time.Second

	counts, err := c.window.ObserveResult(ctx, sessionID, c.now(), critical, window, ttl)
	if err != nil {
		// Window state is advisory; losing one observation must not DLQ the
		// already-persisted event.
		c.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Risk window update failed")
		return nil
	}

	if counts.Frames < int64(c.cfg.MinFramesInWindow) {
		return nil
	}
	ratio := float64(counts.Critical) / float64(counts.Frames)
	if ratio < c.cfg.CriticalRatioThreshold {
		return nil
	}

	if err := c.window.ClearRiskWindow(ctx, sessionID); err != nil {
		c.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Risk window clear failed")
	}

	reason := fmt.Sprintf("High-risk activity: %d of %d frames critical (%.0f%%) within %ds",
		counts.Critical, counts.Frames, ratio*100, c.cfg.WindowSeconds)
	if err := c.engine.SuspendSession(ctx, sessionID, reason, model.SourceAI); err != nil {
		return fmt.Errorf("auto-suspend: %w", err)
	}
	return nil
}
