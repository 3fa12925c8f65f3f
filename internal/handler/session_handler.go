package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/middleware"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/realtime"
	"github.com/vigilhq/vigil-backend/internal/response"
	"github.com/vigilhq/vigil-backend/internal/service"
	"github.com/vigilhq/vigil-backend/internal/validator"
)

// SessionHandler is the thin HTTP adapter over the session engine.
type SessionHandler struct {
	engine *service.SessionService
	authz  *service.AuthzService
	log    zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(engine *service.SessionService, authz *service.AuthzService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		engine: engine,
		authz:  authz,
		log:    log.With().Str("component", "session_handler").Logger(),
	}
}

// Start godoc
// POST /api/sessions/start?examId=...
func (h *SessionHandler) Start(c *gin.Context) {
	p, _ := middleware.GetPrincipal(c)
	examID, err := uuid.Parse(c.Query("examId"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	session, err := h.engine.StartSession(c.Request.Context(), p, examID, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, session)
}

// Heartbeat godoc
// POST /api/sessions/:id/heartbeat
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	session, _, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if err := h.engine.Heartbeat(c.Request.Context(), session.ID); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "ok"})
}

// SaveAnswer godoc
// POST /api/sessions/:id/answers
func (h *SessionHandler) SaveAnswer(c *gin.Context) {
	session, p, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if !h.authz.IsStudentOwner(p, session) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	answer, err := h.engine.SaveAnswer(c.Request.Context(), session.ID, &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, answer)
}

// Submit godoc
// POST /api/sessions/:id/submit
func (h *SessionHandler) Submit(c *gin.Context) {
	session, p, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if !h.authz.IsStudentOwner(p, session) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	submitted, err := h.engine.SubmitSession(c.Request.Context(), session.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, submitted)
}

// Questions godoc
// GET /api/sessions/:id/questions
func (h *SessionHandler) Questions(c *gin.Context) {
	session, p, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if !h.authz.IsStudentOwner(p, session) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	paper, err := h.engine.QuestionsForSession(c.Request.Context(), session.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, paper)
}

// VerifyIdentity godoc
// POST /api/sessions/:id/verify-identity
func (h *SessionHandler) VerifyIdentity(c *gin.Context) {
	session, p, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if !h.authz.IsStudentOwner(p, session) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	var req model.VerifyIdentityRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	match, err := h.engine.VerifyIdentity(c.Request.Context(), session.ID, req.SelfieBase64)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, match)
}

// Suspend godoc
// POST /api/sessions/:id/suspend — admin or assigned proctor; idempotent.
func (h *SessionHandler) Suspend(c *gin.Context) {
	session, _, ok := h.loadForProctor(c)
	if !ok {
		return
	}

	var req model.SuspendRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.engine.SuspendSession(c.Request.Context(), session.ID, req.Reason, model.SourceManual); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "suspended"})
}

// Reinstate godoc
// POST /api/sessions/:id/reinstate
func (h *SessionHandler) Reinstate(c *gin.Context) {
	session, _, ok := h.loadForProctor(c)
	if !ok {
		return
	}

	var req model.ReinstateRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
		return
	}

	reinstated, err := h.engine.ReinstateSession(c.Request.Context(), session.ID, req.Reason)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, reinstated)
}

// Grade godoc
// POST /api/sessions/:id/grade
func (h *SessionHandler) Grade(c *gin.Context) {
	session, _, ok := h.loadForProctor(c)
	if !ok {
		return
	}

	var req model.GradeAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	graded, err := h.engine.GradeShortAnswer(c.Request.Context(), session.ID, &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, graded)
}

// Get godoc
// GET /api/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	session, _, ok := h.loadOwned(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, session)
}

// loadOwned parses the id, loads the session and enforces IsOwner (student
// owner, assigned proctor or admin).
func (h *SessionHandler) loadOwned(c *gin.Context) (*model.ExamSession, realtime.Principal, bool) {
	p, _ := middleware.GetPrincipal(c)
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, p, false
	}
	session, err := h.engine.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		response.FromError(c, err)
		return nil, p, false
	}
	if !h.authz.IsOwner(c.Request.Context(), p, session) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return nil, p, false
	}
	return session, p, true
}

// loadForProctor parses the id, loads the session and requires an assigned
// proctor or admin.
func (h *SessionHandler) loadForProctor(c *gin.Context) (*model.ExamSession, realtime.Principal, bool) {
	p, _ := middleware.GetPrincipal(c)
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, p, false
	}
	session, err := h.engine.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		response.FromError(c, err)
		return nil, p, false
	}
	if !h.authz.IsAssignedProctor(c.Request.Context(), p, session.ExamID) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return nil, p, false
	}
	return session, p, true
}
