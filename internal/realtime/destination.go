package realtime

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DestinationKind classifies the channel namespaces.
type DestinationKind string

const (
	// KindSessionQueue is /queue/exam/{sessionID}/{channel}: per-session
	// server→client pushes (warning, suspend, update).
	KindSessionQueue DestinationKind = "SESSION_QUEUE"
	// KindProctorTopic is /topic/proctor/exam/{examID}/...: exam-wide proctor fan-out.
	KindProctorTopic DestinationKind = "PROCTOR_TOPIC"
	// KindAdminTopic is /topic/admin/...: admin-only broadcasts.
	KindAdminTopic DestinationKind = "ADMIN_TOPIC"
	// KindAppInbound is /app/exam/{sessionID}/{kind}: client→server messages.
	KindAppInbound DestinationKind = "APP_INBOUND"
)

// Session queue channels.
const (
	ChannelWarning = "warning"
	ChannelSuspend = "suspend"
	ChannelUpdate  = "update"
)

// Inbound message kinds.
const (
	InboundFrame     = "frame"
	InboundAudio     = "audio"
	InboundEvent     = "event"
	InboundHeartbeat = "heartbeat"
)

// Destination is a parsed channel address.
type Destination struct {
	Raw       string
	Kind      DestinationKind
	SessionID uuid.UUID // SESSION_QUEUE and APP_INBOUND
	ExamID    uuid.UUID // PROCTOR_TOPIC
	Channel   string    // trailing segment
}

// SessionQueue builds the per-session destination for a channel.
func SessionQueue(sessionID uuid.UUID, channel string) string {
	return fmt.Sprintf("/queue/exam/%s/%s", sessionID, channel)
}

// ProctorTopic builds the exam-wide proctor alert destination.
func ProctorTopic(examID uuid.UUID) string {
	return fmt.Sprintf("/topic/proctor/exam/%s/alerts", examID)
}

// ParseDestination validates and decomposes a channel address.
func ParseDestination(raw string) (Destination, error) {
	parts := strings.Split(strings.TrimPrefix(raw, "/"), "/")

	switch {
	case len(parts) == 4 && parts[0] == "queue" && parts[1] == "exam":
		sessionID, err := uuid.Parse(parts[2])
		if err != nil {
			return Destination{}, fmt.Errorf("invalid session id in %q", raw)
		}
		switch parts[3] {
		case ChannelWarning, ChannelSuspend, ChannelUpdate:
		default:
			return Destination{}, fmt.Errorf("unknown session channel %q", parts[3])
		}
		return Destination{Raw: raw, Kind: KindSessionQueue, SessionID: sessionID, Channel: parts[3]}, nil

	case len(parts) >= 4 && parts[0] == "topic" && parts[1] == "proctor" && parts[2] == "exam":
		examID, err := uuid.Parse(parts[3])
		if err != nil {
			return Destination{}, fmt.Errorf("invalid exam id in %q", raw)
		}
		channel := ""
		if len(parts) > 4 {
			channel = strings.Join(parts[4:], "/")
		}
		return Destination{Raw: raw, Kind: KindProctorTopic, ExamID: examID, Channel: channel}, nil

	case len(parts) >= 2 && parts[0] == "topic" && parts[1] == "admin":
		return Destination{Raw: raw, Kind: KindAdminTopic, Channel: strings.Join(parts[2:], "/")}, nil

	case len(parts) == 4 && parts[0] == "app" && parts[1] == "exam":
		sessionID, err := uuid.Parse(parts[2])
		if err != nil {
			return Destination{}, fmt.Errorf("invalid session id in %q", raw)
		}
		switch parts[3] {
		case InboundFrame, InboundAudio, InboundEvent, InboundHeartbeat:
		default:
			return Destination{}, fmt.Errorf("unknown inbound kind %q", parts[3])
		}
		return Destination{Raw: raw, Kind: KindAppInbound, SessionID: sessionID, Channel: parts[3]}, nil
	}

	return Destination{}, fmt.Errorf("unrecognized destination %q", raw)
}
