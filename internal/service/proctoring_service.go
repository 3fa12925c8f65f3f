package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/realtime"
	"github.com/vigilhq/vigil-backend/internal/repository"
	"github.com/vigilhq/vigil-backend/internal/storage"
)

// snapshotURLTTL bounds how long a presigned snapshot link stays valid.
const snapshotURLTTL = 15 * time.Minute

// ProctoringService is the proctor-facing read/flag surface over the
// violation log.
type ProctoringService struct {
	tx       Transactor
	sessions *repository.ExamSessionRepository
	events   *repository.ProctoringRepository
	objects  *storage.ObjectStore
	notifier Notifier
	log      zerolog.Logger
}

// NewProctoringService creates a new ProctoringService.
func NewProctoringService(
	tx Transactor,
	sessions *repository.ExamSessionRepository,
	events *repository.ProctoringRepository,
	objects *storage.ObjectStore,
	notifier Notifier,
	log zerolog.Logger,
) *ProctoringService {
	return &ProctoringService{
		tx:       tx,
		sessions: sessions,
		events:   events,
		objects:  objects,
		notifier: notifier,
		log:      log.With().Str("component", "proctoring_service").Logger(),
	}
}

// Flag appends a MANUAL_FLAG event with the proctor's note and marks the
// summary.
func (s *ProctoringService) Flag(ctx context.Context, p realtime.Principal, sessionID uuid.UUID, note string) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.New(apperror.KindNotFound, "NOT_FOUND", "session not found")
		}
		return fmt.Errorf("load session: %w", err)
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		event := &model.ProctoringEvent{
			SessionID:   sessionID,
			EventType:   model.EventManualFlag,
			Severity:    model.SeverityHigh,
			Description: note,
			Source:      model.SourceManual,
			Metadata:    map[string]any{"flagged_by": p.UserID.String()},
		}
		if err := s.events.InsertEvent(ctx, event); err != nil {
			return fmt.Errorf("append flag event: %w", err)
		}
		if err := s.events.ApplyEvent(ctx, sessionID, model.EventManualFlag, 0); err != nil {
			return fmt.Errorf("update summary: %w", err)
		}
		return s.events.SetProctorFlag(ctx, sessionID, note)
	})
	if err != nil {
		return err
	}

	s.notifier.Publish(realtime.ProctorTopic(session.ExamID), "VIOLATION_ALERT", map[string]any{
		"session_id":  sessionID,
		"event_type":  model.EventManualFlag,
		"severity":    model.SeverityHigh,
		"description": note,
	})
	return nil
}

// Summary returns a session's violation summary.
func (s *ProctoringService) Summary(ctx context.Context, sessionID uuid.UUID) (*model.ViolationSummary, error) {
	summary, err := s.events.GetSummary(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.New(apperror.KindNotFound, "NOT_FOUND", "no summary for session")
		}
		return nil, fmt.Errorf("load summary: %w", err)
	}
	return summary, nil
}

// Events returns a page of a session's proctoring events.
func (s *ProctoringService) Events(ctx context.Context, sessionID uuid.UUID, page, perPage int) ([]model.ProctoringEvent, int64, error) {
	return s.events.ListEventsBySession(ctx, sessionID, page, perPage)
}

// BehaviorEvents returns a page of a session's browser events.
func (s *ProctoringService) BehaviorEvents(ctx context.Context, sessionID uuid.UUID, page, perPage int) ([]model.BehaviorEvent, int64, error) {
	return s.events.ListBehaviorEvents(ctx, sessionID, page, perPage)
}

// SessionOverview pairs a live session with its violation summary.
type SessionOverview struct {
	Session model.ExamSession        `json:"session"`
	Summary *model.ViolationSummary `json:"summary,omitempty"`
}

// LiveSessions returns the open sessions of an exam with their summaries,
// batch-loaded in one round-trip.
func (s *ProctoringService) LiveSessions(ctx context.Context, examID uuid.UUID) ([]SessionOverview, error) {
	sessions, err := s.sessions.ListOpenByExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	ids := make([]uuid.UUID, len(sessions))
	for i := range sessions {
		ids[i] = sessions[i].ID
	}
	summaries, err := s.events.FindSummariesBySessions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}

	overview := make([]SessionOverview, len(sessions))
	for i := range sessions {
		overview[i] = SessionOverview{Session: sessions[i]}
		if summary, ok := summaries[sessions[i].ID]; ok {
			summary := summary
			overview[i].Summary = &summary
		}
	}
	return overview, nil
}

// SnapshotURL presigns a read link for an event's violation snapshot.
func (s *ProctoringService) SnapshotURL(ctx context.Context, eventID uuid.UUID) (string, error) {
	event, err := s.events.GetEventByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperror.New(apperror.KindNotFound, "NOT_FOUND", "event not found")
		}
		return "", fmt.Errorf("load event: %w", err)
	}
	if event.SnapshotPath == nil || *event.SnapshotPath == "" {
		return "", apperror.New(apperror.KindNotFound, "NOT_FOUND", "event has no snapshot")
	}
	url, err := s.objects.PresignRead(ctx, storage.BucketViolationSnapshots, *event.SnapshotPath, snapshotURLTTL)
	if err != nil {
		return "", apperror.Wrap(apperror.KindTransient, "SERVICE_UNAVAILABLE", "object store unavailable", err)
	}
	return url, nil
}
