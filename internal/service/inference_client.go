package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/config"
)

// IdentityVerifier is the synchronous face-match call into the inference
// service. All asynchronous analysis flows through the message bus instead.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, userID uuid.UUID, selfieBase64 string) (*IdentityMatch, error)
}

// IdentityMatch is the inference service's verdict.
type IdentityMatch struct {
	Match      bool    `json:"match"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message,omitempty"`
}

// InferenceClient reaches the inference service over HTTP with a bounded
// timeout. Unavailability surfaces as a retriable error, distinct from a
// negative match.
type InferenceClient struct {
	baseURL string
	client  *http.Client
}

// NewInferenceClient creates an InferenceClient from configuration.
func NewInferenceClient(cfg *config.Config) *InferenceClient {
	return &InferenceClient{
		baseURL: cfg.InferenceBaseURL,
		client:  &http.Client{Timeout: cfg.InferenceTimeout},
	}
}

type verifyIdentityRequest struct {
	LiveSelfieBase64 string `json:"live_selfie_base64"`
	StudentID        string `json:"student_id"`
}

// VerifyIdentity posts the live selfie for matching against the student's
// reference photo.
func (c *InferenceClient) VerifyIdentity(ctx context.Context, userID uuid.UUID, selfieBase64 string) (*IdentityMatch, error) {
	body, err := json.Marshal(verifyIdentityRequest{
		LiveSelfieBase64: selfieBase64,
		StudentID:        userID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ai/verify-identity", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInferenceDown, "INFERENCE_UNAVAILABLE", "identity verification unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperror.New(apperror.KindInferenceDown, "INFERENCE_UNAVAILABLE",
			fmt.Sprintf("identity verification returned %d", resp.StatusCode))
	}

	var match IdentityMatch
	if err := json.NewDecoder(resp.Body).Decode(&match); err != nil {
		return nil, apperror.Wrap(apperror.KindInferenceDown, "INFERENCE_UNAVAILABLE", "malformed verification response", err)
	}
	return &match, nil
}
