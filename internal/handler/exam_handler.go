package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/middleware"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/response"
	"github.com/vigilhq/vigil-backend/internal/service"
	"github.com/vigilhq/vigil-backend/internal/validator"
)

// ExamHandler serves the admin-side exam lifecycle.
type ExamHandler struct {
	exams *service.ExamService
	log   zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(exams *service.ExamService, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{exams: exams, log: log.With().Str("component", "exam_handler").Logger()}
}

// Create godoc
// POST /api/admin/exams
func (h *ExamHandler) Create(c *gin.Context) {
	p, _ := middleware.GetPrincipal(c)

	var req model.CreateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, err := h.exams.Create(c.Request.Context(), p.UserID, &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, exam)
}

// Get godoc
// GET /api/admin/exams/:id
func (h *ExamHandler) Get(c *gin.Context) {
	examID, ok := h.examID(c)
	if !ok {
		return
	}
	exam, err := h.exams.GetByID(c.Request.Context(), examID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, exam)
}

// Update godoc
// PUT /api/admin/exams/:id
func (h *ExamHandler) Update(c *gin.Context) {
	examID, ok := h.examID(c)
	if !ok {
		return
	}
	var req model.UpdateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, err := h.exams.Update(c.Request.Context(), examID, &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, exam)
}

// AddQuestion godoc
// POST /api/admin/exams/:id/questions
func (h *ExamHandler) AddQuestion(c *gin.Context) {
	examID, ok := h.examID(c)
	if !ok {
		return
	}
	var req model.AddQuestionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	question, err := h.exams.AddQuestion(c.Request.Context(), examID, &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, question)
}

// DeleteQuestion godoc
// DELETE /api/admin/exams/:id/questions/:question_id
func (h *ExamHandler) DeleteQuestion(c *gin.Context) {
	examID, ok := h.examID(c)
	if !ok {
		return
	}
	questionID, err := uuid.Parse(c.Param("question_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.exams.DeleteQuestion(c.Request.Context(), examID, questionID); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "deleted"})
}

// Publish godoc
// POST /api/admin/exams/:id/publish
func (h *ExamHandler) Publish(c *gin.Context) {
	examID, ok := h.examID(c)
	if !ok {
		return
	}
	exam, err := h.exams.Publish(c.Request.Context(), examID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, exam)
}

// Enroll godoc
// POST /api/admin/exams/:id/enrollments
func (h *ExamHandler) Enroll(c *gin.Context) {
	examID, ok := h.examID(c)
	if !ok {
		return
	}
	var req model.EnrollRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	enrollment, err := h.exams.Enroll(c.Request.Context(), examID, req.UserID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, enrollment)
}

// AssignProctor godoc
// POST /api/admin/exams/:id/proctors
func (h *ExamHandler) AssignProctor(c *gin.Context) {
	examID, ok := h.examID(c)
	if !ok {
		return
	}
	var req model.EnrollRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.exams.AssignProctor(c.Request.Context(), examID, req.UserID); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "assigned"})
}

func (h *ExamHandler) examID(c *gin.Context) (uuid.UUID, bool) {
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return examID, true
}
