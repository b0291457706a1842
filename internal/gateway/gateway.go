// Package gateway issues short-lived, single-use write grants for one object
// key in the triggering zone. Uploads through a grant land in the triggering
// zone like any other write and go through the ingress filter.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
)

var (
	ErrOutsideTriggerZone = errors.New("object key is outside the triggering zone")
	ErrGrantExpired       = errors.New("grant expired")
	ErrGrantUsed          = errors.New("grant already used")
	ErrBadSignature       = errors.New("grant signature is invalid")
)

const defaultContentType = "application/octet-stream"

// Signer produces a URL that allows exactly one PUT of bucket/object until expires.
type Signer interface {
	SignPut(ctx context.Context, bucket, object, contentType string, expires time.Time) (string, error)
}

// Gateway is the access gateway.
type Gateway struct {
	topology storage.Topology
	pattern  *regexp.Regexp
	signer   Signer
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New builds a gateway granting writes to keys matching pattern.
func New(topology storage.Topology, pattern string, signer Signer, ttl time.Duration, now func() time.Time, logger *slog.Logger) (*Gateway, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile trigger pattern: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Gateway{topology: topology, pattern: re, signer: signer, ttl: ttl, now: now, logger: logger}, nil
}

// IssueGrant authorizes one write of req.ObjectKey.
func (g *Gateway) IssueGrant(ctx context.Context, req models.GrantRequest) (models.GrantResponse, error) {
	logCtx := g.logger.With("objectKey", req.ObjectKey)

	zone, bucket, object, err := g.topology.Locate(req.ObjectKey)
	if err != nil {
		logCtx.Warn("Refusing grant for unresolvable key.", "error", err)
		return models.GrantResponse{}, err
	}
	if !zone.TriggersPipeline || !g.pattern.MatchString(req.ObjectKey) {
		logCtx.Warn("Refusing grant outside the triggering zone.", "zone", zone.Name)
		return models.GrantResponse{}, fmt.Errorf("%w: %q", ErrOutsideTriggerZone, req.ObjectKey)
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	expiry := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	url, err := g.signer.SignPut(ctx, bucket, object, contentType, expiry)
	if err != nil {
		logCtx.Error("Failed to sign upload URL", "error", err)
		return models.GrantResponse{}, fmt.Errorf("sign grant for %s: %w", req.ObjectKey, err)
	}
	logCtx.Info("Write grant issued.", "expiry", expiry)
	return models.GrantResponse{URL: url, Expiry: expiry}, nil
}
