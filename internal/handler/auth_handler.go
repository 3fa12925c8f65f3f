package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/middleware"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/response"
	"github.com/vigilhq/vigil-backend/internal/service"
	"github.com/vigilhq/vigil-backend/internal/validator"
)

// AuthHandler serves login, refresh rotation and logout.
type AuthHandler struct {
	auth *service.AuthService
	log  zerolog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(auth *service.AuthService, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, log: log.With().Str("component", "auth_handler").Logger()}
}

// Login godoc
// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req model.LoginRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// Refresh godoc
// POST /api/auth/refresh
// Rotates: the presented refresh capability is revoked and a new pair issued.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req model.RefreshRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	pair, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, pair)
}

// Logout godoc
// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	if err := h.auth.Logout(c.Request.Context(), claims); err != nil {
		h.log.Error().Err(err).Msg("Logout revoke failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "logged_out"})
}
