package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
)

const maxUploadBytes = 100 << 20

// GrantHandler serves IssueGrant. Caller authentication happens in front of it.
func GrantHandler(g *Gateway, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req models.GrantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("Could not decode grant request", "error", err)
			http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
			return
		}
		res, err := g.IssueGrant(r.Context(), req)
		switch {
		case errors.Is(err, ErrOutsideTriggerZone):
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		case errors.Is(err, storage.ErrInvalidKey), errors.Is(err, storage.ErrUnknownZone):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			logger.Error("Failed to write response", "error", err)
		}
	}
}

// UploadHandler accepts PUTs through URLs issued by an HMACSigner and writes
// the body once into backend.
func UploadHandler(signer *HMACSigner, backend storage.Backend, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		grant, err := signer.Verify(r.URL.Query())
		if err != nil {
			logger.Warn("Refusing upload.", "object", grant.Object, "error", err)
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		logCtx := logger.With("bucket", grant.Bucket, "object", grant.Object)
		if ct := r.Header.Get("Content-Type"); ct != "" && ct != grant.ContentType {
			http.Error(w, "content type does not match grant", http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
		if err != nil {
			http.Error(w, "could not read body", http.StatusBadRequest)
			return
		}
		created, err := backend.PutIfAbsent(r.Context(), grant.Bucket, grant.Object, data, storage.ObjectAttrs{ContentType: grant.ContentType})
		if err != nil {
			logCtx.Error("Failed to store upload", "error", err)
			http.Error(w, "Internal Server Error: upload failed", http.StatusInternalServerError)
			return
		}
		if !created {
			logCtx.Warn("Grant reused.")
			http.Error(w, ErrGrantUsed.Error(), http.StatusConflict)
			return
		}
		logCtx.Info("Upload stored.", "size", len(data))
		w.WriteHeader(http.StatusCreated)
	}
}
