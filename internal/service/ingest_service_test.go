package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/realtime"
)

type fakeBehaviorStore struct {
	events []model.BehaviorEvent
	counts map[model.BehaviorEventType]int
}

func (f *fakeBehaviorStore) InsertBehaviorEvent(ctx context.Context, e *model.BehaviorEvent) error {
	e.ID = uuid.New()
	f.events = append(f.events, *e)
	if f.counts == nil {
		f.counts = make(map[model.BehaviorEventType]int)
	}
	f.counts[e.EventType]++
	return nil
}

func (f *fakeBehaviorStore) CountBehaviorByType(ctx context.Context, sessionID uuid.UUID, t model.BehaviorEventType) (int, error) {
	return f.counts[t], nil
}

type busMessage struct {
	queue   string
	payload any
}

type fakeBus struct {
	published []busMessage
}

func (f *fakeBus) Publish(ctx context.Context, queue string, payload any) error {
	f.published = append(f.published, busMessage{queue, payload})
	return nil
}

func (f *fakeBus) onQueue(queue string) []busMessage {
	var out []busMessage
	for _, m := range f.published {
		if m.queue == queue {
			out = append(out, m)
		}
	}
	return out
}

type fakeLimiter struct {
	counts map[string]int64
}

func (f *fakeLimiter) CountWSMessage(ctx context.Context, sessionID uuid.UUID, kind string, window time.Duration) (int64, error) {
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	key := sessionID.String() + ":" + kind
	f.counts[key]++
	return f.counts[key], nil
}

type ingestFixture struct {
	*engineFixture
	ingest   *IngestService
	behavior *fakeBehaviorStore
	bus      *fakeBus
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	engine := newEngineFixture(t)
	behavior := &fakeBehaviorStore{}
	bus := &fakeBus{}
	ingest := NewIngestService(
		engine.sessions, behavior, bus, &fakeLimiter{}, engine.engine, engine.notifier, zerolog.Nop(),
	)
	return &ingestFixture{engineFixture: engine, ingest: ingest, behavior: behavior, bus: bus}
}

func TestInboundFramePublishes(t *testing.T) {
	f := newIngestFixture(t)
	session := f.startSession(t)

	err := f.ingest.HandleInbound(context.Background(), session.ID, realtime.InboundFrame, &InboundPayload{
		Payload:   "base64jpeg",
		Timestamp: float64(1700000000000),
	})
	require.NoError(t, err)

	frames := f.bus.onQueue(config.BusKey.FrameAnalysisQueue)
	require.Len(t, frames, 1)
	msg := frames[0].payload.(model.AnalysisMessage)
	assert.Equal(t, session.ID, msg.SessionID)
	assert.Equal(t, int64(1700000000000), msg.Timestamp)
}

func TestInboundDroppedForClosedSession(t *testing.T) {
	f := newIngestFixture(t)
	session := f.startSession(t)
	require.NoError(t, f.engine.SuspendSession(context.Background(), session.ID, "flagged", model.SourceManual))

	err := f.ingest.HandleInbound(context.Background(), session.ID, realtime.InboundFrame, &InboundPayload{
		Payload: "base64jpeg",
	})
	require.NoError(t, err)
	assert.Empty(t, f.bus.onQueue(config.BusKey.FrameAnalysisQueue))
}

func TestBehaviorEventPersistedAndForwarded(t *testing.T) {
	f := newIngestFixture(t)
	session := f.startSession(t)

	err := f.ingest.HandleInbound(context.Background(), session.ID, realtime.InboundEvent, &InboundPayload{
		Type:      string(model.BehaviorCopyPaste),
		Timestamp: "1700000000000",
	})
	require.NoError(t, err)

	require.Len(t, f.behavior.events, 1)
	assert.Equal(t, model.BehaviorCopyPaste, f.behavior.events[0].EventType)
	assert.Len(t, f.bus.onQueue(config.BusKey.BehaviorEventsQueue), 1)
}

func TestUnknownBehaviorEventIgnored(t *testing.T) {
	f := newIngestFixture(t)
	session := f.startSession(t)

	err := f.ingest.HandleInbound(context.Background(), session.ID, realtime.InboundEvent, &InboundPayload{
		Type: "KEYBOARD_SMASH",
	})
	require.NoError(t, err)
	assert.Empty(t, f.behavior.events)
	assert.Empty(t, f.bus.published)
}

func TestThirdTabSwitchWarnsImmediately(t *testing.T) {
	f := newIngestFixture(t)
	session := f.startSession(t)
	warningDest := realtime.SessionQueue(session.ID, realtime.ChannelWarning)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.ingest.HandleInbound(context.Background(), session.ID, realtime.InboundEvent, &InboundPayload{
			Type: string(model.BehaviorTabSwitch),
		}))
	}
	assert.Equal(t, 0, f.notifier.count(warningDest, "WARNING"), "no warning before the third switch")

	require.NoError(t, f.ingest.HandleInbound(context.Background(), session.ID, realtime.InboundEvent, &InboundPayload{
		Type: string(model.BehaviorTabSwitch),
	}))
	assert.Equal(t, 1, f.notifier.count(warningDest, "WARNING"))
}

func TestParseTimestampDefensive(t *testing.T) {
	f := newIngestFixture(t)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.ingest.now = func() time.Time { return fixed }

	assert.Equal(t, int64(1700000000000), f.ingest.parseTimestamp(float64(1700000000000)))
	assert.Equal(t, int64(1700000000000), f.ingest.parseTimestamp("1700000000000"))
	assert.Equal(t, fixed.UnixMilli(), f.ingest.parseTimestamp("yesterday"))
	assert.Equal(t, fixed.UnixMilli(), f.ingest.parseTimestamp(nil))
	assert.Equal(t, fixed.UnixMilli(), f.ingest.parseTimestamp(map[string]any{"ms": 12}))
}
