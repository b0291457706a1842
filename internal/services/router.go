package services

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/gcp"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
)

// Stage config keys understood by the router.
const (
	ConfigDocumentTypes = "document_types"
	ConfigMinConfidence = "min_confidence"
)

// DefaultDocumentTypes are routed onwards when the stage config names none.
var DefaultDocumentTypes = []string{"lab_report", "discharge_summary", "referral", "imaging_report", "prescription", "consent_form"}

// Classifier is satisfied by gcp.VertexClient.
type Classifier interface {
	Classify(ctx context.Context, uri, mimeType string) (gcp.Classification, error)
}

// RouterFunction classifies a document and rejects the kinds the pipeline
// does not ingest. Rejected documents end up in quarantine for review.
type RouterFunction struct {
	substrate   *storage.Substrate
	classifier  Classifier
	scratchZone string
	logger      *slog.Logger
}

func NewRouter(substrate *storage.Substrate, classifier Classifier, scratchZone string, logger *slog.Logger) *RouterFunction {
	return &RouterFunction{substrate: substrate, classifier: classifier, scratchZone: scratchZone, logger: logger}
}

func (f *RouterFunction) Invoke(ctx context.Context, req models.StageRequest) (models.StageResponse, error) {
	logCtx := f.logger.With("executionId", req.ExecutionID, "documentKey", req.DocumentKey, "attempt", req.Attempt)

	mimeType := mime.TypeByExtension(strings.ToLower(path.Ext(req.DocumentKey)))
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	if i := strings.IndexByte(mimeType, ';'); i > 0 {
		mimeType = mimeType[:i]
	}

	c, err := f.classifier.Classify(ctx, req.InputRef, mimeType)
	if err != nil {
		logCtx.Error("ERROR calling Vertex AI", "error", err)
		return models.StageResponse{}, err
	}
	logCtx = logCtx.With("documentType", c.DocumentType, "confidence", c.Confidence)

	allowed := DefaultDocumentTypes
	if v := req.StageConfig[ConfigDocumentTypes]; v != "" {
		allowed = splitList(v)
	}
	if !slices.Contains(allowed, c.DocumentType) {
		logCtx.Warn("Unsupported document type.", "reason", c.Reason)
		return models.Reject(fmt.Sprintf("unsupported document type %q", c.DocumentType)), nil
	}
	if v := req.StageConfig[ConfigMinConfidence]; v != "" {
		minConfidence, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return models.PermanentError(fmt.Sprintf("invalid %s %q", ConfigMinConfidence, v)), nil
		}
		if c.Confidence < minConfidence {
			logCtx.Warn("Classification below confidence threshold.", "threshold", minConfidence)
			return models.Reject(fmt.Sprintf("classification confidence %.2f below %.2f", c.Confidence, minConfidence)), nil
		}
	}

	ref, err := writeManifest(ctx, f.substrate, f.scratchZone, models.StageRouter, models.StageManifest{
		ExecutionID:  req.ExecutionID,
		DocumentKey:  req.DocumentKey,
		DocumentRef:  req.InputRef,
		ContentType:  mimeType,
		DocumentType: c.DocumentType,
		Confidence:   c.Confidence,
	})
	if err != nil {
		logCtx.Error("Failed to save router manifest", "error", err)
		return models.StageResponse{}, err
	}
	logCtx.Info("Document routed.", "outputRef", ref)
	return models.Accept(ref), nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
