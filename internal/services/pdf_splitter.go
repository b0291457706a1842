package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
)

// ConfigChunkPages sets how many pages go into each chunk. Default 1.
const ConfigChunkPages = "chunk_pages"

// PDFSplitterFunction splits a PDF into page chunks in the scratch zone.
// Documents that are not PDFs pass through as a single chunk.
type PDFSplitterFunction struct {
	substrate   *storage.Substrate
	scratchZone string
	logger      *slog.Logger
	// retryBackoff is the first delay between chunk upload attempts.
	retryBackoff time.Duration
}

func NewPDFSplitter(substrate *storage.Substrate, scratchZone string, logger *slog.Logger) *PDFSplitterFunction {
	return &PDFSplitterFunction{substrate: substrate, scratchZone: scratchZone, logger: logger, retryBackoff: time.Second}
}

func (f *PDFSplitterFunction) Invoke(ctx context.Context, req models.StageRequest) (models.StageResponse, error) {
	logCtx := f.logger.With("executionId", req.ExecutionID, "documentKey", req.DocumentKey, "attempt", req.Attempt)

	in, err := resolveInput(ctx, f.substrate, f.scratchZone, req)
	if err != nil {
		logCtx.Error("Failed to read stage input", "error", err)
		return models.StageResponse{}, err
	}
	m := in.manifest
	m.ExecutionID = req.ExecutionID

	if !isPDF(in.attrs.ContentType, in.data) {
		logCtx.Info("Document is not a PDF. Passing it through as one chunk.", "contentType", in.attrs.ContentType)
		m.Pages = []string{m.DocumentRef}
		return f.finish(ctx, logCtx, m)
	}

	span := 1
	if v := req.StageConfig[ConfigChunkPages]; v != "" {
		if span, err = strconv.Atoi(v); err != nil || span < 1 {
			return models.PermanentError(fmt.Sprintf("invalid %s %q", ConfigChunkPages, v)), nil
		}
	}

	tempDir, err := os.MkdirTemp("", "pdf-splitter-*")
	if err != nil {
		return models.StageResponse{}, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	chunks, err := splitPDF(in.data, tempDir, span)
	if err != nil {
		logCtx.Warn("PDF could not be split.", "error", err)
		return models.PermanentError(err.Error()), nil
	}
	logCtx.Info("PDF optimized and split locally.", "chunks", len(chunks), "span", span)

	pages, err := f.uploadChunks(ctx, logCtx, req.ExecutionID, chunks)
	if err != nil {
		return models.StageResponse{}, err
	}
	m.Pages = pages
	return f.finish(ctx, logCtx, m)
}

func (f *PDFSplitterFunction) finish(ctx context.Context, logCtx *slog.Logger, m models.StageManifest) (models.StageResponse, error) {
	ref, err := writeManifest(ctx, f.substrate, f.scratchZone, models.StageSplitter, m)
	if err != nil {
		logCtx.Error("Failed to save splitter manifest", "error", err)
		return models.StageResponse{}, err
	}
	logCtx.Info("Split complete.", "outputRef", ref, "chunks", len(m.Pages))
	return models.Accept(ref), nil
}

// uploadChunks writes chunk files to deterministic scratch keys concurrently
// and returns their refs in page order.
func (f *PDFSplitterFunction) uploadChunks(ctx context.Context, logCtx *slog.Logger, executionID string, chunks []string) ([]string, error) {
	refs := make([]string, len(chunks))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(10)
	for i, chunk := range chunks {
		key := storage.Key(f.scratchZone, fmt.Sprintf("%s/pages/%05d.pdf", executionID, i+1))
		eg.Go(func() error {
			ref, err := f.uploadFile(gctx, chunk, key)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i+1, err)
			}
			refs[i] = ref
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		logCtx.Error("One or more chunks failed to upload", "error", err)
		return nil, err
	}
	return refs, nil
}

func (f *PDFSplitterFunction) uploadFile(ctx context.Context, localPath, key string) (string, error) {
	const maxRetries = 4
	backoff := f.retryBackoff
	var lastErr error

	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("could not read local file %s: %w", localPath, err)
	}
	for i := 0; i < maxRetries; i++ {
		ref, err := f.substrate.Write(ctx, key, data, storage.ObjectAttrs{ContentType: "application/pdf"})
		if err == nil {
			return ref, nil
		}
		lastErr = err
		f.logger.Warn("Upload failed, will retry.",
			"documentKey", key,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("upload for %s failed after all retries: %w", key, lastErr)
}

// splitPDF validates and optimizes data and splits it into span-page files
// in dir, returned in page order.
func splitPDF(data []byte, dir string, span int) ([]string, error) {
	source := filepath.Join(dir, "source.pdf")
	optimized := filepath.Join(dir, "optimized.pdf")
	if err := os.WriteFile(source, data, 0o600); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}
	if err := optimizePDF(source, optimized); err != nil {
		return nil, fmt.Errorf("failed to validate/optimize PDF: %w", err)
	}
	outDir := filepath.Join(dir, "chunks")
	if err := os.Mkdir(outDir, 0o700); err != nil {
		return nil, err
	}
	if err := api.SplitFile(optimized, outDir, span, nil); err != nil {
		return nil, fmt.Errorf("failed to split PDF: %w", err)
	}
	chunks, err := filepath.Glob(filepath.Join(outDir, "*.pdf"))
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	slices.SortFunc(chunks, func(a, b string) int { return firstPage(a) - firstPage(b) })
	return chunks, nil
}

// firstPage parses the starting page from a pdfcpu split file name such as
// optimized_3.pdf or optimized_3-4.pdf.
func firstPage(name string) int {
	base := strings.TrimSuffix(filepath.Base(name), ".pdf")
	start, _, _ := strings.Cut(base[strings.LastIndexByte(base, '_')+1:], "-")
	n, _ := strconv.Atoi(start)
	return n
}

func optimizePDF(inPath, outPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.OptimizeFile(inPath, outPath, cfg)
}

func isPDF(contentType string, data []byte) bool {
	return contentType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF-"))
}
