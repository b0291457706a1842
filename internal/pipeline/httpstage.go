package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"google.golang.org/api/idtoken"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

// HTTPStage calls a stage handler deployed behind an HTTP endpoint.
type HTTPStage struct {
	url    string
	client *http.Client
}

// NewHTTPStage builds a client for url. With a non-empty audience requests
// carry a Google-signed ID token for that audience.
func NewHTTPStage(ctx context.Context, url, audience string) (*HTTPStage, error) {
	client := &http.Client{}
	if audience != "" {
		c, err := idtoken.NewClient(ctx, audience)
		if err != nil {
			return nil, fmt.Errorf("create id token client for %s: %w", audience, err)
		}
		client = c
	}
	return &HTTPStage{url: url, client: client}, nil
}

// NewHTTPStageWithClient uses client as is.
func NewHTTPStageWithClient(url string, client *http.Client) *HTTPStage {
	return &HTTPStage{url: url, client: client}
}

// Invoke posts req. 2xx responses carry the outcome; 429 and 5xx are
// transient, other statuses permanent. Transport failures are returned as errors.
func (h *HTTPStage) Invoke(ctx context.Context, req models.StageRequest) (models.StageResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return models.StageResponse{}, fmt.Errorf("marshal stage request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return models.StageResponse{}, fmt.Errorf("build stage request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return models.StageResponse{}, fmt.Errorf("call %s stage: %w", req.StageName, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.StageResponse{}, fmt.Errorf("read %s stage response: %w", req.StageName, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out models.StageResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return models.PermanentError(fmt.Sprintf("undecodable stage response: %v", err)), nil
		}
		return out, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return models.TransientError(fmt.Sprintf("stage returned %s", resp.Status)), nil
	default:
		return models.PermanentError(fmt.Sprintf("stage returned %s: %s", resp.Status, bytes.TrimSpace(raw))), nil
	}
}

// ServeStage exposes h over HTTP with the same contract HTTPStage speaks. A
// handler error becomes a 500 so the orchestrator retries it.
func ServeStage(h StageHandler, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req models.StageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("Failed to decode stage request", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		logCtx := logger.With("executionId", req.ExecutionID, "documentKey", req.DocumentKey, "stage", req.StageName, "attempt", req.Attempt)

		resp, err := h.Invoke(r.Context(), req)
		if err != nil {
			logCtx.Error("Stage handler failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		logCtx.Info("Stage handled.", "outcome", resp.Outcome, "outputRef", resp.OutputRef)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logCtx.Error("Failed to encode stage response", "error", err)
		}
	}
}
