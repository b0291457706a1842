// Package services holds the reference stage handlers: a Gemini document
// router and a pdfcpu page splitter. Both read their input by reference and
// write their output into the scratch zone under keys derived from the
// execution id, so a retried invocation overwrites rather than duplicates.
package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
)

const manifestContentType = "application/json"

// input is a stage's resolved input: the original document and, when the
// input ref pointed at a manifest, that manifest.
type input struct {
	manifest models.StageManifest
	data     []byte
	attrs    storage.ObjectAttrs
}

// resolveInput reads the request's input. A manifest in the scratch zone is
// followed to the document it names; anything else is the document itself.
func resolveInput(ctx context.Context, substrate *storage.Substrate, scratchZone string, req models.StageRequest) (input, error) {
	data, attrs, err := substrate.Read(ctx, req.InputRef)
	if err != nil {
		return input{}, fmt.Errorf("read input %s: %w", req.InputRef, err)
	}
	in := input{
		manifest: models.StageManifest{
			ExecutionID: req.ExecutionID,
			DocumentKey: req.DocumentKey,
			DocumentRef: req.InputRef,
			ContentType: attrs.ContentType,
		},
		data:  data,
		attrs: attrs,
	}
	if attrs.ContentType != manifestContentType {
		return in, nil
	}
	if key, err := substrate.KeyOf(req.InputRef); err != nil || storage.ZoneOf(key) != scratchZone {
		return in, nil
	}
	var m models.StageManifest
	if err := json.Unmarshal(data, &m); err != nil || m.DocumentRef == "" {
		return in, nil
	}
	doc, docAttrs, err := substrate.Read(ctx, m.DocumentRef)
	if err != nil {
		return input{}, fmt.Errorf("read document %s: %w", m.DocumentRef, err)
	}
	if m.ContentType == "" {
		m.ContentType = docAttrs.ContentType
	}
	return input{manifest: m, data: doc, attrs: docAttrs}, nil
}

// manifestKey is where stage writes its manifest for an execution.
func manifestKey(zone, executionID string, stage models.Stage) string {
	return storage.Key(zone, fmt.Sprintf("%s/%s/manifest.json", executionID, stage))
}

func writeManifest(ctx context.Context, substrate *storage.Substrate, zone string, stage models.Stage, m models.StageManifest) (string, error) {
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	return substrate.Write(ctx, manifestKey(zone, m.ExecutionID, stage), body, storage.ObjectAttrs{
		ContentType: manifestContentType,
		Metadata:    map[string]string{"execution-id": m.ExecutionID, "stage": string(stage)},
	})
}
