package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/realtime"
)

type fakeAssignments struct {
	assigned map[uuid.UUID]map[uuid.UUID]bool // examID → proctorID
}

func (f *fakeAssignments) IsProctorAssigned(ctx context.Context, examID, proctorID uuid.UUID) (bool, error) {
	return f.assigned[examID][proctorID], nil
}

func TestAuthzPredicates(t *testing.T) {
	examID := uuid.New()
	student := realtime.Principal{UserID: uuid.New(), Role: model.RoleStudent}
	assignedProctor := realtime.Principal{UserID: uuid.New(), Role: model.RoleProctor}
	otherProctor := realtime.Principal{UserID: uuid.New(), Role: model.RoleProctor}
	admin := realtime.Principal{UserID: uuid.New(), Role: model.RoleAdmin}

	session := &model.ExamSession{ID: uuid.New(), ExamID: examID, UserID: student.UserID}
	sessions := &fakeSessions{byID: map[uuid.UUID]*model.ExamSession{session.ID: session}}
	assignments := &fakeAssignments{assigned: map[uuid.UUID]map[uuid.UUID]bool{
		examID: {assignedProctor.UserID: true},
	}}

	authz := NewAuthzService(sessions, assignments, zerolog.Nop())
	ctx := context.Background()

	t.Run("IsAdmin", func(t *testing.T) {
		assert.True(t, authz.IsAdmin(admin))
		assert.False(t, authz.IsAdmin(assignedProctor))
		assert.False(t, authz.IsAdmin(student))
	})

	t.Run("IsAssignedProctor", func(t *testing.T) {
		assert.True(t, authz.IsAssignedProctor(ctx, admin, examID))
		assert.True(t, authz.IsAssignedProctor(ctx, assignedProctor, examID))
		assert.False(t, authz.IsAssignedProctor(ctx, otherProctor, examID))
		assert.False(t, authz.IsAssignedProctor(ctx, student, examID))
	})

	t.Run("IsOwner", func(t *testing.T) {
		assert.True(t, authz.IsOwner(ctx, student, session))
		assert.True(t, authz.IsOwner(ctx, assignedProctor, session))
		assert.True(t, authz.IsOwner(ctx, admin, session))
		assert.False(t, authz.IsOwner(ctx, otherProctor, session))
	})

	t.Run("IsStudentOwner", func(t *testing.T) {
		assert.True(t, authz.IsStudentOwner(student, session))
		assert.False(t, authz.IsStudentOwner(admin, session))
	})

	t.Run("session queue subscriptions", func(t *testing.T) {
		dest, err := realtime.ParseDestination(realtime.SessionQueue(session.ID, realtime.ChannelWarning))
		require.NoError(t, err)

		assert.True(t, authz.CanSubscribe(ctx, student, dest))
		assert.True(t, authz.CanSubscribe(ctx, assignedProctor, dest))
		assert.True(t, authz.CanSubscribe(ctx, admin, dest))
		assert.False(t, authz.CanSubscribe(ctx, otherProctor, dest))
	})

	t.Run("proctor topic subscriptions", func(t *testing.T) {
		dest, err := realtime.ParseDestination(realtime.ProctorTopic(examID))
		require.NoError(t, err)

		assert.False(t, authz.CanSubscribe(ctx, student, dest))
		assert.True(t, authz.CanSubscribe(ctx, assignedProctor, dest))
		assert.True(t, authz.CanSubscribe(ctx, admin, dest))
	})

	t.Run("admin topic subscriptions", func(t *testing.T) {
		dest, err := realtime.ParseDestination("/topic/admin/system")
		require.NoError(t, err)

		assert.False(t, authz.CanSubscribe(ctx, student, dest))
		assert.False(t, authz.CanSubscribe(ctx, assignedProctor, dest))
		assert.True(t, authz.CanSubscribe(ctx, admin, dest))
	})

	t.Run("unknown session denies", func(t *testing.T) {
		dest, err := realtime.ParseDestination(realtime.SessionQueue(uuid.New(), realtime.ChannelSuspend))
		require.NoError(t, err)
		assert.False(t, authz.CanSubscribe(ctx, admin, dest))
	})
}
