package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"path"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"
	"golang.org/x/sync/errgroup"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/store"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

// Body policies.
const (
	BodyNever    = "never"
	BodyAlways   = "always"
	BodyFallback = "fallback"
)

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// canonicalExt maps a part's content type to the extension used in its key.
// The table is fixed so a retried extraction on any host derives the same key.
var canonicalExt = map[string]string{
	"application/pdf":  ".pdf",
	"image/png":        ".png",
	"image/jpeg":       ".jpg",
	"image/jpg":        ".jpg",
	"image/pjpeg":      ".jpg",
	"image/tiff":       ".tiff",
	"image/gif":        ".gif",
	"text/plain":       ".txt",
	"text/html":        ".html",
	"text/csv":         ".csv",
	"text/xml":         ".xml",
	"application/xml":  ".xml",
	"application/json": ".json",
}

// Extractor writes the parts of a stored raw message into the triggering zone.
type Extractor struct {
	substrate  *storage.Substrate
	store      store.Store
	alerter    telemetry.Alerter
	zone       string
	bodyPolicy string
	logger     *slog.Logger
}

// NewExtractor writes documents under <zone>/email/.
func NewExtractor(substrate *storage.Substrate, st store.Store, alerter telemetry.Alerter, zone, bodyPolicy string, logger *slog.Logger) *Extractor {
	return &Extractor{substrate: substrate, store: st, alerter: alerter, zone: zone, bodyPolicy: bodyPolicy, logger: logger}
}

type part struct {
	contentType string
	fileName    string
	content     []byte
}

// Extract writes every extractable part of the message exactly once. Keys
// depend only on the message id and part index, so a retried extraction
// finds its objects already present and raises no new notifications. A
// malformed message marks the artifact failed and returns ErrMalformedMessage.
func (x *Extractor) Extract(ctx context.Context, n models.ExtractionNotification) ([]models.DocumentObject, error) {
	logCtx := x.logger.With("messageId", n.MessageID, "rawBlobRef", n.RawBlobRef)

	artifact, err := x.store.GetArtifact(ctx, n.MessageID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		artifact, err = x.store.PutArtifact(ctx, models.RawEmailArtifact{MessageID: n.MessageID, BlobRef: n.RawBlobRef})
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	if artifact.Status.Terminal() {
		logCtx.Info("Extraction already finished. Skipping.", "status", artifact.Status)
		return nil, nil
	}

	raw, _, err := x.substrate.Read(ctx, n.RawBlobRef)
	if err != nil {
		logCtx.Error("Failed to read raw message", "error", err)
		return nil, fmt.Errorf("read raw message: %w", err)
	}

	parts, err := x.parts(raw)
	if err != nil {
		return nil, x.markFailed(ctx, logCtx, artifact, err)
	}

	digest := Digest(n.MessageID)
	docs := make([]models.DocumentObject, len(parts))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for idx, p := range parts {
		key := storage.Key(x.zone, fmt.Sprintf("email/%s/%02d%s", digest, idx, extension(p)))
		docs[idx] = models.DocumentObject{
			Key:         key,
			ContentType: p.contentType,
			Size:        int64(len(p.content)),
			ContentHash: storage.ContentMD5(p.content),
			Provenance:  models.ProvenanceEmailExtracted,
		}
		eg.Go(func() error {
			_, created, err := x.substrate.WriteOnce(gctx, key, p.content, storage.ObjectAttrs{
				ContentType: p.contentType,
				Metadata: map[string]string{
					models.MetadataProvenance: string(models.ProvenanceEmailExtracted),
					models.MetadataMessageID:  n.MessageID,
					models.MetadataPartIndex:  fmt.Sprint(idx),
				},
			})
			if err != nil {
				return err
			}
			if !created {
				logCtx.Info("Part already extracted. Skipping.", "documentKey", key)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		logCtx.Error("Failed to write extracted parts", "error", err)
		return nil, err
	}

	artifact.Status = models.ExtractionExtracted
	artifact.DocumentKeys = make([]string, len(docs))
	for i, d := range docs {
		artifact.DocumentKeys[i] = d.Key
	}
	if err := x.store.UpdateArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("mark %s extracted: %w", n.MessageID, err)
	}
	logCtx.Info("Message extracted.", "documents", len(docs))
	return docs, nil
}

// parts parses raw and lists the parts to extract in a stable order: the
// body first when the policy selects it, then attachments, then inlines.
func (x *Extractor) parts(raw []byte) ([]part, error) {
	if _, err := mail.ReadMessage(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	for _, e := range env.Errors {
		if e.Severe {
			return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, e.Error())
		}
	}

	var out []part
	for _, p := range append(append([]*enmime.Part(nil), env.Attachments...), env.Inlines...) {
		if len(p.Content) == 0 {
			continue
		}
		out = append(out, part{contentType: p.ContentType, fileName: p.FileName, content: p.Content})
	}

	if x.includeBody(len(out) > 0) {
		switch {
		case strings.TrimSpace(env.Text) != "":
			out = append([]part{{contentType: "text/plain", fileName: "body.txt", content: []byte(env.Text)}}, out...)
		case strings.TrimSpace(env.HTML) != "":
			out = append([]part{{contentType: "text/html", fileName: "body.html", content: []byte(env.HTML)}}, out...)
		}
	}
	return out, nil
}

func (x *Extractor) includeBody(hasAttachments bool) bool {
	switch x.bodyPolicy {
	case BodyAlways:
		return true
	case BodyNever:
		return false
	default:
		return !hasAttachments
	}
}

func (x *Extractor) markFailed(ctx context.Context, logCtx *slog.Logger, artifact models.RawEmailArtifact, cause error) error {
	logCtx.Error("Message could not be parsed. Marking extraction failed.", "error", cause)
	artifact.Status = models.ExtractionFailed
	artifact.ErrorDetails = cause.Error()
	if err := x.store.UpdateArtifact(ctx, artifact); err != nil {
		return fmt.Errorf("mark %s failed: %w", artifact.MessageID, err)
	}
	x.alerter.Alert(ctx, telemetry.Alert{
		Kind:      telemetry.AlertExtractionFailure,
		MessageID: artifact.MessageID,
		Cause:     cause.Error(),
	})
	return cause
}

// extension derives a safe file extension from the part's file name or,
// failing that, its content type.
func extension(p part) string {
	if ext := strings.ToLower(path.Ext(p.fileName)); extPattern.MatchString(ext) {
		return ext
	}
	ct, _, _ := strings.Cut(p.contentType, ";")
	if ext, ok := canonicalExt[strings.ToLower(strings.TrimSpace(ct))]; ok {
		return ext
	}
	return ".bin"
}
