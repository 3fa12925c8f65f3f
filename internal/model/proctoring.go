package model

import (
	"time"

	"github.com/google/uuid"
)

// EventSeverity ranks proctoring events.
type EventSeverity string

const (
	SeverityLow      EventSeverity = "LOW"
	SeverityMedium   EventSeverity = "MEDIUM"
	SeverityHigh     EventSeverity = "HIGH"
	SeverityCritical EventSeverity = "CRITICAL"
)

// EventSource records where a proctoring event originated.
type EventSource string

const (
	SourceAI      EventSource = "AI"
	SourceBrowser EventSource = "BROWSER"
	SourceSystem  EventSource = "SYSTEM"
	SourceManual  EventSource = "MANUAL"
)

// ProctoringEventType is the closed vocabulary of violation event types.
type ProctoringEventType string

const (
	EventFaceMissing        ProctoringEventType = "FACE_MISSING"
	EventMultipleFaces      ProctoringEventType = "MULTIPLE_FACES"
	EventGazeAway           ProctoringEventType = "GAZE_AWAY"
	EventMouthOpen          ProctoringEventType = "MOUTH_OPEN"
	EventPhoneDetected      ProctoringEventType = "PHONE_DETECTED"
	EventNotesDetected      ProctoringEventType = "NOTES_DETECTED"
	EventMultiplePersons    ProctoringEventType = "MULTIPLE_PERSONS"
	EventAudioSpeech        ProctoringEventType = "AUDIO_SPEECH"
	EventSuspiciousBehavior ProctoringEventType = "SUSPICIOUS_BEHAVIOR"
	EventTabSwitch          ProctoringEventType = "TAB_SWITCH"
	EventFullscreenExit     ProctoringEventType = "FULLSCREEN_EXIT"
	EventCopyPaste          ProctoringEventType = "COPY_PASTE"
	EventIdentityMismatch   ProctoringEventType = "IDENTITY_MISMATCH"
	EventManualFlag         ProctoringEventType = "MANUAL_FLAG"
)

// counterColumns maps each known event type to its ViolationSummary counter.
// Unknown types have no counter and must be routed to the DLQ, never coerced.
var counterColumns = map[ProctoringEventType]string{
	EventFaceMissing:        "face_away_count",
	EventMultipleFaces:      "multiple_face_count",
	EventGazeAway:           "gaze_away_count",
	EventMouthOpen:          "mouth_open_count",
	EventPhoneDetected:      "phone_detected_count",
	EventNotesDetected:      "notes_detected_count",
	EventMultiplePersons:    "multiple_persons_count",
	EventAudioSpeech:        "audio_violation_count",
	EventSuspiciousBehavior: "suspicious_behavior_count",
	EventTabSwitch:          "tab_switch_count",
	EventFullscreenExit:     "fullscreen_exit_count",
	EventCopyPaste:          "copy_paste_count",
	EventIdentityMismatch:   "identity_mismatch_count",
	EventManualFlag:         "manual_flag_count",
}

// CounterColumn returns the summary counter column for a known event type.
func CounterColumn(t ProctoringEventType) (string, bool) {
	col, ok := counterColumns[t]
	return col, ok
}

// studentWarnings is the closed table of warning texts pushed to students for
// HIGH and CRITICAL events.
var studentWarnings = map[ProctoringEventType]string{
	EventFaceMissing:        "Your face is not visible. Stay in front of the camera.",
	EventMultipleFaces:      "Multiple faces detected. Only you may be on camera.",
	EventGazeAway:           "Please keep your eyes on the screen.",
	EventMouthOpen:          "Talking detected. Remain silent during the exam.",
	EventPhoneDetected:      "A phone was detected. Remove it from your workspace.",
	EventNotesDetected:      "Notes were detected. Remove all materials from your desk.",
	EventMultiplePersons:    "Another person was detected in the room.",
	EventAudioSpeech:        "Speech was detected. Remain silent during the exam.",
	EventSuspiciousBehavior: "Suspicious behavior detected. This incident has been recorded.",
	EventTabSwitch:          "Tab switching is being recorded. Return to the exam.",
	EventFullscreenExit:     "Exiting fullscreen is being recorded. Return to fullscreen.",
	EventCopyPaste:          "Copy/paste activity has been recorded.",
	EventIdentityMismatch:   "Identity verification failed. A proctor has been notified.",
}

// WarningText returns the student-facing warning for an event type, or a
// generic fallback for types without a dedicated message.
func WarningText(t ProctoringEventType) string {
	if msg, ok := studentWarnings[t]; ok {
		return msg
	}
	return "A violation has been recorded on your session."
}

// ProctoringEvent is one append-only log entry attributed to a session.
type ProctoringEvent struct {
	ID          uuid.UUID           `json:"id"`
	SessionID   uuid.UUID           `json:"session_id"`
	EventType   ProctoringEventType `json:"event_type"`
	Severity    EventSeverity       `json:"severity"`
	Confidence  *float64            `json:"confidence,omitempty"`
	Description string              `json:"description,omitempty"`
	SnapshotPath *string            `json:"snapshot_path,omitempty"`
	Source      EventSource         `json:"source"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// ViolationSummary aggregates a session's violations. Exactly one per session;
// RiskScore is monotonically non-decreasing and clamped to [0, 1].
type ViolationSummary struct {
	SessionID uuid.UUID `json:"session_id"`
	RiskScore float64   `json:"risk_score"`

	FaceAwayCount           int `json:"face_away_count"`
	MultipleFaceCount       int `json:"multiple_face_count"`
	GazeAwayCount           int `json:"gaze_away_count"`
	MouthOpenCount          int `json:"mouth_open_count"`
	PhoneDetectedCount      int `json:"phone_detected_count"`
	NotesDetectedCount      int `json:"notes_detected_count"`
	MultiplePersonsCount    int `json:"multiple_persons_count"`
	AudioViolationCount     int `json:"audio_violation_count"`
	SuspiciousBehaviorCount int `json:"suspicious_behavior_count"`
	TabSwitchCount          int `json:"tab_switch_count"`
	FullscreenExitCount     int `json:"fullscreen_exit_count"`
	CopyPasteCount          int `json:"copy_paste_count"`
	IdentityMismatchCount   int `json:"identity_mismatch_count"`
	ManualFlagCount         int `json:"manual_flag_count"`

	ProctorFlag bool      `json:"proctor_flag"`
	ProctorNote string    `json:"proctor_note,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BehaviorEventType is the vocabulary of browser-level signals, kept separate
// from ProctoringEventType to keep high-volume noise out of the scoring log.
type BehaviorEventType string

const (
	BehaviorTabSwitch      BehaviorEventType = "TAB_SWITCH"
	BehaviorCopyPaste      BehaviorEventType = "COPY_PASTE"
	BehaviorContextMenu    BehaviorEventType = "CONTEXT_MENU"
	BehaviorFullscreenExit BehaviorEventType = "FULLSCREEN_EXIT"
	BehaviorFocusLoss      BehaviorEventType = "FOCUS_LOSS"
)

// KnownBehaviorEvent reports whether t is in the browser-event vocabulary.
func KnownBehaviorEvent(t BehaviorEventType) bool {
	switch t {
	case BehaviorTabSwitch, BehaviorCopyPaste, BehaviorContextMenu,
		BehaviorFullscreenExit, BehaviorFocusLoss:
		return true
	}
	return false
}

// BehaviorEvent is one browser-originated record for a session.
type BehaviorEvent struct {
	ID         uuid.UUID         `json:"id"`
	SessionID  uuid.UUID         `json:"session_id"`
	EventType  BehaviorEventType `json:"event_type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// FlagRequest is the payload for a proctor's manual flag.
type FlagRequest struct {
	Note string `json:"note" binding:"required,min=3,max=1000"`
}

// InferenceResult is the inbound message on the proctoring.results queue.
type InferenceResult struct {
	SessionID   uuid.UUID           `json:"session_id"`
	EventType   ProctoringEventType `json:"event_type"`
	Severity    EventSeverity       `json:"severity"`
	Confidence  *float64            `json:"confidence,omitempty"`
	Description string              `json:"description,omitempty"`
	SnapshotPath *string            `json:"snapshot_path,omitempty"`
	RiskScore   *float64            `json:"risk_score,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

// AnalysisMessage is the outbound payload on frame.analysis / audio.analysis.
type AnalysisMessage struct {
	SessionID uuid.UUID `json:"session_id"`
	Payload   string    `json:"payload"`
	Timestamp int64     `json:"timestamp"`
}

// BehaviorMessage is the outbound payload on behavior.events.
type BehaviorMessage struct {
	SessionID uuid.UUID         `json:"session_id"`
	Type      BehaviorEventType `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}
