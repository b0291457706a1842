package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
)

// QuarantineWriter records rejected documents in the quarantine zone. The
// document itself stays where it is; the record points at it.
type QuarantineWriter struct {
	substrate *storage.Substrate
	zone      string
}

func NewQuarantineWriter(substrate *storage.Substrate, zone string) *QuarantineWriter {
	return &QuarantineWriter{substrate: substrate, zone: zone}
}

// Key is the deterministic location of an execution's quarantine record.
func (q *QuarantineWriter) Key(executionID string) string {
	return storage.Key(q.zone, executionID+".json")
}

// Write stores rec, replacing an earlier record for the same execution.
func (q *QuarantineWriter) Write(ctx context.Context, rec models.QuarantineRecord) (string, error) {
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal quarantine record: %w", err)
	}
	ref, err := q.substrate.Write(ctx, q.Key(rec.ExecutionID), body, storage.ObjectAttrs{
		ContentType: "application/json",
		Metadata: map[string]string{
			"execution-id": rec.ExecutionID,
			"stage":        string(rec.Stage),
		},
	})
	if err != nil {
		return "", fmt.Errorf("write quarantine record: %w", err)
	}
	return ref, nil
}
