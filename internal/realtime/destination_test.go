package realtime

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDestination(t *testing.T) {
	sessionID := uuid.New()
	examID := uuid.New()

	t.Run("session queue", func(t *testing.T) {
		dest, err := ParseDestination(SessionQueue(sessionID, ChannelSuspend))
		require.NoError(t, err)
		assert.Equal(t, KindSessionQueue, dest.Kind)
		assert.Equal(t, sessionID, dest.SessionID)
		assert.Equal(t, ChannelSuspend, dest.Channel)
	})

	t.Run("proctor topic", func(t *testing.T) {
		dest, err := ParseDestination(ProctorTopic(examID))
		require.NoError(t, err)
		assert.Equal(t, KindProctorTopic, dest.Kind)
		assert.Equal(t, examID, dest.ExamID)
	})

	t.Run("admin topic", func(t *testing.T) {
		dest, err := ParseDestination("/topic/admin/metrics/live")
		require.NoError(t, err)
		assert.Equal(t, KindAdminTopic, dest.Kind)
		assert.Equal(t, "metrics/live", dest.Channel)
	})

	t.Run("app inbound", func(t *testing.T) {
		dest, err := ParseDestination("/app/exam/" + sessionID.String() + "/frame")
		require.NoError(t, err)
		assert.Equal(t, KindAppInbound, dest.Kind)
		assert.Equal(t, sessionID, dest.SessionID)
		assert.Equal(t, InboundFrame, dest.Channel)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		for _, raw := range []string{
			"",
			"/queue/exam",
			"/queue/exam/not-a-uuid/warning",
			"/queue/exam/" + sessionID.String() + "/shout",
			"/app/exam/" + sessionID.String() + "/telemetry",
			"/topic/proctor/exam/nope/alerts",
			"/totally/else",
		} {
			_, err := ParseDestination(raw)
			assert.Error(t, err, raw)
		}
	})
}
