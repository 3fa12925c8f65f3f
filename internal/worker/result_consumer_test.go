package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/cache"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/realtime"
)

// ─── Fakes ─────────────────────────────────────────────────────────────────

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (passthroughTx) WithNewTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type sessionMap struct {
	byID map[uuid.UUID]*model.ExamSession
}

func (s *sessionMap) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	sess, ok := s.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *sess
	return &copied, nil
}

type eventLog struct {
	events   []model.ProctoringEvent
	counters map[model.ProctoringEventType]int
}

func (l *eventLog) EnsureSummary(ctx context.Context, sessionID uuid.UUID) error { return nil }

func (l *eventLog) InsertEvent(ctx context.Context, e *model.ProctoringEvent) error {
	e.ID = uuid.New()
	l.events = append(l.events, *e)
	return nil
}

func (l *eventLog) ApplyEvent(ctx context.Context, sessionID uuid.UUID, t model.ProctoringEventType, risk float64) error {
	if l.counters == nil {
		l.counters = make(map[model.ProctoringEventType]int)
	}
	l.counters[t]++
	return nil
}

// memoryWindow mirrors the Redis ordered-set semantics: idempotent add keyed
// by epoch-ms, range prune, counts after pruning.
type memoryWindow struct {
	frames   map[uuid.UUID]map[int64]bool
	critical map[uuid.UUID]map[int64]bool
}

func newMemoryWindow() *memoryWindow {
	return &memoryWindow{
		frames:   make(map[uuid.UUID]map[int64]bool),
		critical: make(map[uuid.UUID]map[int64]bool),
	}
}

func (w *memoryWindow) ObserveResult(ctx context.Context, sessionID uuid.UUID, at time.Time, critical bool, window, ttl time.Duration) (cache.WindowCounts, error) {
	ms := at.UnixMilli()
	if w.frames[sessionID] == nil {
		w.frames[sessionID] = make(map[int64]bool)
		w.critical[sessionID] = make(map[int64]bool)
	}
	w.frames[sessionID][ms] = true
	if critical {
		w.critical[sessionID][ms] = true
	}

	cutoff := at.Add(-window).UnixMilli()
	for _, set := range []map[int64]bool{w.frames[sessionID], w.critical[sessionID]} {
		for member := range set {
			if member <= cutoff {
				delete(set, member)
			}
		}
	}
	return cache.WindowCounts{
		Frames:   int64(len(w.frames[sessionID])),
		Critical: int64(len(w.critical[sessionID])),
	}, nil
}

func (w *memoryWindow) ClearRiskWindow(ctx context.Context, sessionID uuid.UUID) error {
	delete(w.frames, sessionID)
	delete(w.critical, sessionID)
	return nil
}

type recordingSuspender struct {
	sessions *sessionMap
	calls    []string
}

func (r *recordingSuspender) SuspendSession(ctx context.Context, sessionID uuid.UUID, reason string, source model.EventSource) error {
	r.calls = append(r.calls, reason)
	if sess, ok := r.sessions.byID[sessionID]; ok {
		sess.IsSuspended = true
		sess.SuspensionReason = &reason
	}
	return nil
}

type topicLog struct {
	messages []struct {
		destination string
		event       string
	}
}

func (l *topicLog) Publish(destination, event string, data any) {
	l.messages = append(l.messages, struct {
		destination string
		event       string
	}{destination, event})
}

func (l *topicLog) count(destination, event string) int {
	n := 0
	for _, m := range l.messages {
		if m.destination == destination && m.event == event {
			n++
		}
	}
	return n
}

// ─── Fixture ───────────────────────────────────────────────────────────────

type consumerFixture struct {
	consumer  *ResultConsumer
	sessions  *sessionMap
	events    *eventLog
	window    *memoryWindow
	suspender *recordingSuspender
	topics    *topicLog
	session   *model.ExamSession
	clock     time.Time
}

func newConsumerFixture(t *testing.T) *consumerFixture {
	t.Helper()

	session := &model.ExamSession{
		ID:     uuid.New(),
		ExamID: uuid.New(),
		UserID: uuid.New(),
	}
	sessions := &sessionMap{byID: map[uuid.UUID]*model.ExamSession{session.ID: session}}
	events := &eventLog{}
	window := newMemoryWindow()
	suspender := &recordingSuspender{sessions: sessions}
	topics := &topicLog{}

	cfg := config.Load()
	f := &consumerFixture{
		consumer: NewResultConsumer(
			nil, passthroughTx{}, sessions, events, window, suspender, topics, cfg, zerolog.Nop(),
		),
		sessions:  sessions,
		events:    events,
		window:    window,
		suspender: suspender,
		topics:    topics,
		session:   session,
		clock:     time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
	}
	f.consumer.now = func() time.Time { return f.clock }
	return f
}

func (f *consumerFixture) process(t *testing.T, risk float64) {
	t.Helper()
	severity := model.SeverityMedium
	if risk > 0.9 {
		severity = model.SeverityCritical
	}
	err := f.consumer.Process(context.Background(), &model.InferenceResult{
		SessionID: f.session.ID,
		EventType: model.EventPhoneDetected,
		Severity:  severity,
		RiskScore: &risk,
	})
	require.NoError(t, err)
}

// ─── Tests ─────────────────────────────────────────────────────────────────

func TestRollingWindowAutoSuspend(t *testing.T) {
	f := newConsumerFixture(t)

	// Ten results at one-second intervals; seven exceed the critical
	// threshold. The ratio first reaches 0.70 on the seventh frame (5/7).
	scores := []float64{0.95, 0.30, 0.92, 0.95, 0.40, 0.91, 0.93, 0.20, 0.95, 0.96}
	for _, score := range scores {
		f.process(t, score)
		f.clock = f.clock.Add(time.Second)
	}

	require.Len(t, f.suspender.calls, 1, "exactly one suspension")
	assert.Contains(t, f.suspender.calls[0], "5 of 7 frames")

	// Both window keys were deleted on trigger; later results found a closed
	// session and were dropped, so nothing re-accumulated.
	assert.Empty(t, f.window.frames[f.session.ID])
	assert.Empty(t, f.window.critical[f.session.ID])

	// Events stopped accruing once the session was suspended: 7 persisted.
	assert.Len(t, f.events.events, 7)
}

func TestResultPersistsEventAndAlerts(t *testing.T) {
	f := newConsumerFixture(t)

	risk := 0.5
	confidence := 0.87
	err := f.consumer.Process(context.Background(), &model.InferenceResult{
		SessionID:  f.session.ID,
		EventType:  model.EventGazeAway,
		Severity:   model.SeverityLow,
		Confidence: &confidence,
		RiskScore:  &risk,
	})
	require.NoError(t, err)

	require.Len(t, f.events.events, 1)
	event := f.events.events[0]
	assert.Equal(t, model.EventGazeAway, event.EventType)
	assert.Equal(t, model.SourceAI, event.Source)
	assert.Equal(t, 1, f.events.counters[model.EventGazeAway])

	assert.Equal(t, 1, f.topics.count(realtime.ProctorTopic(f.session.ExamID), "VIOLATION_ALERT"))
	// LOW severity does not warn the student.
	assert.Equal(t, 0, f.topics.count(realtime.SessionQueue(f.session.ID, realtime.ChannelWarning), "WARNING"))
}

func TestHighSeverityWarnsStudent(t *testing.T) {
	f := newConsumerFixture(t)

	err := f.consumer.Process(context.Background(), &model.InferenceResult{
		SessionID: f.session.ID,
		EventType: model.EventMultipleFaces,
		Severity:  model.SeverityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.topics.count(realtime.SessionQueue(f.session.ID, realtime.ChannelWarning), "WARNING"))
}

func TestUnknownEventTypeRoutesToDLQ(t *testing.T) {
	f := newConsumerFixture(t)

	err := f.consumer.Process(context.Background(), &model.InferenceResult{
		SessionID: f.session.ID,
		EventType: "JUGGLING_DETECTED",
		Severity:  model.SeverityHigh,
	})
	require.Error(t, err)
	assert.Equal(t, apperror.KindDLQRoute, apperror.KindOf(err))
	assert.Empty(t, f.events.events, "unknown types are never coerced into the log")
}

func TestResultForSubmittedSessionDropsSilently(t *testing.T) {
	f := newConsumerFixture(t)
	now := time.Now()
	f.session.SubmittedAt = &now

	err := f.consumer.Process(context.Background(), &model.InferenceResult{
		SessionID: f.session.ID,
		EventType: model.EventPhoneDetected,
		Severity:  model.SeverityCritical,
	})
	require.NoError(t, err)
	assert.Empty(t, f.events.events)
	assert.Empty(t, f.suspender.calls)
}
