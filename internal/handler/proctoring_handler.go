package handler

import (
	"net/http"
	"strconv"

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

const defaultPerPage = 50

// ProctoringHandler serves the proctor-facing violation surface.
type ProctoringHandler struct {
	proctoring *service.ProctoringService
	engine     *service.SessionService
	authz      *service.AuthzService
	log        zerolog.Logger
}

// NewProctoringHandler creates a new ProctoringHandler.
func NewProctoringHandler(
	proctoring *service.ProctoringService,
	engine *service.SessionService,
	authz *service.AuthzService,
	log zerolog.Logger,
) *ProctoringHandler {
	return &ProctoringHandler{
		proctoring: proctoring,
		engine:     engine,
		authz:      authz,
		log:        log.With().Str("component", "proctoring_handler").Logger(),
	}
}

// Flag godoc
// POST /api/proctoring/sessions/:id/flag
func (h *ProctoringHandler) Flag(c *gin.Context) {
	session, p, ok := h.loadForProctor(c)
	if !ok {
		return
	}

	var req model.FlagRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.proctoring.Flag(c.Request.Context(), p, session.ID, req.Note); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "flagged"})
}

// Summary godoc
// GET /api/proctoring/sessions/:id/summary
func (h *ProctoringHandler) Summary(c *gin.Context) {
	session, _, ok := h.loadForProctor(c)
	if !ok {
		return
	}
	summary, err := h.proctoring.Summary(c.Request.Context(), session.ID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, summary)
}

// Events godoc
// GET /api/proctoring/sessions/:id/events
func (h *ProctoringHandler) Events(c *gin.Context) {
	session, _, ok := h.loadForProctor(c)
	if !ok {
		return
	}
	page, perPage := pagination(c)
	events, total, err := h.proctoring.Events(c.Request.Context(), session.ID, page, perPage)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithPagination(c, http.StatusOK, events, paginationMeta(page, perPage, total))
}

// BehaviorEvents godoc
// GET /api/proctoring/sessions/:id/behavior-events
func (h *ProctoringHandler) BehaviorEvents(c *gin.Context) {
	session, _, ok := h.loadForProctor(c)
	if !ok {
		return
	}
	page, perPage := pagination(c)
	events, total, err := h.proctoring.BehaviorEvents(c.Request.Context(), session.ID, page, perPage)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithPagination(c, http.StatusOK, events, paginationMeta(page, perPage, total))
}

// LiveSessions godoc
// GET /api/proctoring/exams/:exam_id/sessions
func (h *ProctoringHandler) LiveSessions(c *gin.Context) {
	p, _ := middleware.GetPrincipal(c)
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	if !h.authz.IsAssignedProctor(c.Request.Context(), p, examID) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	sessions, err := h.proctoring.LiveSessions(c.Request.Context(), examID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, sessions)
}

// Snapshot godoc
// GET /api/proctoring/events/:event_id/snapshot
func (h *ProctoringHandler) Snapshot(c *gin.Context) {
	p, _ := middleware.GetPrincipal(c)
	eventID, err := uuid.Parse(c.Param("event_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	if p.Role != model.RoleAdmin && p.Role != model.RoleProctor {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	url, err := h.proctoring.SnapshotURL(c.Request.Context(), eventID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"url": url})
}

func (h *ProctoringHandler) loadForProctor(c *gin.Context) (*model.ExamSession, realtime.Principal, bool) {
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

func pagination(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	perPage, err := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if err != nil || perPage < 1 || perPage > 200 {
		perPage = defaultPerPage
	}
	return page, perPage
}

func paginationMeta(page, perPage int, total int64) *response.Pagination {
	totalPages := int(total) / perPage
	if int(total)%perPage != 0 {
		totalPages++
	}
	return &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: int(total),
		TotalPages: totalPages,
	}
}
