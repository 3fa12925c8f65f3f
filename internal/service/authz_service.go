package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/realtime"
)

// SessionReader is the session lookup the authorisation kernel needs.
type SessionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
}

// ProctorAssignmentReader answers proctor-assignment lookups.
type ProctorAssignmentReader interface {
	IsProctorAssigned(ctx context.Context, examID, proctorID uuid.UUID) (bool, error)
}

// AuthzService is the authorisation kernel: three composable predicates that
// every engine operation and every channel subscription funnel through.
type AuthzService struct {
	sessions SessionReader
	proctors ProctorAssignmentReader
	log      zerolog.Logger
}

// NewAuthzService creates a new AuthzService.
func NewAuthzService(sessions SessionReader, proctors ProctorAssignmentReader, log zerolog.Logger) *AuthzService {
	return &AuthzService{
		sessions: sessions,
		proctors: proctors,
		log:      log.With().Str("component", "authz").Logger(),
	}
}

// IsAdmin reports whether the principal holds the ADMIN role.
func (s *AuthzService) IsAdmin(p realtime.Principal) bool {
	return p.Role == model.RoleAdmin
}

// IsAssignedProctor reports whether the principal may proctor the exam:
// admins always, proctors when an assignment row exists.
func (s *AuthzService) IsAssignedProctor(ctx context.Context, p realtime.Principal, examID uuid.UUID) bool {
	if s.IsAdmin(p) {
		return true
	}
	if p.Role != model.RoleProctor {
		return false
	}
	assigned, err := s.proctors.IsProctorAssigned(ctx, examID, p.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("exam_id", examID.String()).Msg("Assignment lookup failed")
		return false
	}
	return assigned
}

// IsOwner reports whether the principal may act on the session: the owning
// student, an assigned proctor, or an admin.
func (s *AuthzService) IsOwner(ctx context.Context, p realtime.Principal, session *model.ExamSession) bool {
	if p.UserID == session.UserID {
		return true
	}
	return s.IsAssignedProctor(ctx, p, session.ExamID)
}

// IsStudentOwner reports whether the principal is the session's own student.
// Mutating student operations (answers, submit) require this, not IsOwner.
func (s *AuthzService) IsStudentOwner(p realtime.Principal, session *model.ExamSession) bool {
	return p.Role == model.RoleStudent && p.UserID == session.UserID
}

// CanSubscribe implements realtime.SubscribeAuthorizer over the destination
// grammar: session queues admit the owning student, assigned proctors and
// admins; proctor topics admit assigned proctors and admins; admin topics
// admit admins only.
func (s *AuthzService) CanSubscribe(ctx context.Context, p realtime.Principal, dest realtime.Destination) bool {
	switch dest.Kind {
	case realtime.KindSessionQueue:
		session, err := s.sessions.GetByID(ctx, dest.SessionID)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				s.log.Error().Err(err).Str("session_id", dest.SessionID.String()).Msg("Session lookup failed")
			}
			return false
		}
		return s.IsOwner(ctx, p, session)

	case realtime.KindProctorTopic:
		return s.IsAssignedProctor(ctx, p, dest.ExamID)

	case realtime.KindAdminTopic:
		return s.IsAdmin(p)
	}
	return false
}
