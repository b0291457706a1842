package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

var issuedAt = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func testTopology() storage.Topology {
	return storage.NewTopology([]models.Zone{
		{Name: "incoming", Bucket: "intake-docs", TriggersPipeline: true},
		{Name: "scratch", Bucket: "intake-scratch"},
	})
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newGateway(t *testing.T, c *clock) (*Gateway, *HMACSigner) {
	t.Helper()
	signer := NewHMACSigner("http://localhost:8080/v1/uploads/", []byte("s3cret"), c.Now)
	g, err := New(testTopology(), `^incoming/.+`, signer, 15*time.Minute, c.Now, telemetry.Discard())
	require.NoError(t, err)
	return g, signer
}

func TestIssueGrant(t *testing.T) {
	c := &clock{now: issuedAt}
	g, signer := newGateway(t, c)

	res, err := g.IssueGrant(context.Background(), models.GrantRequest{ObjectKey: "incoming/uploads/report.pdf", ContentType: "application/pdf"})
	require.NoError(t, err)
	assert.Equal(t, issuedAt.Add(15*time.Minute), res.Expiry)
	assert.True(t, strings.HasPrefix(res.URL, "http://localhost:8080/v1/uploads?"))

	u, err := url.Parse(res.URL)
	require.NoError(t, err)
	grant, err := signer.Verify(u.Query())
	require.NoError(t, err)
	assert.Equal(t, Grant{Bucket: "intake-docs", Object: "uploads/report.pdf", ContentType: "application/pdf", Expires: res.Expiry}, grant)
}

func TestIssueGrantRefusals(t *testing.T) {
	g, _ := newGateway(t, &clock{now: issuedAt})
	tests := []struct {
		key  string
		want error
	}{
		{"scratch/exec-1/pages.json", ErrOutsideTriggerZone},
		{"incoming/../scratch/x.pdf", storage.ErrInvalidKey},
		{"incoming/", storage.ErrInvalidKey},
		{"archive/report.pdf", storage.ErrUnknownZone},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			_, err := g.IssueGrant(context.Background(), models.GrantRequest{ObjectKey: tt.key})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifyRejectsTamperingAndExpiry(t *testing.T) {
	c := &clock{now: issuedAt}
	_, signer := newGateway(t, c)
	raw, err := signer.SignPut(context.Background(), "intake-docs", "a.pdf", "application/pdf", issuedAt.Add(time.Minute))
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	q.Set("object", "b.pdf")
	_, err = signer.Verify(q)
	assert.ErrorIs(t, err, ErrBadSignature)

	c.now = issuedAt.Add(time.Minute)
	_, err = signer.Verify(u.Query())
	assert.ErrorIs(t, err, ErrGrantExpired)
}

func TestVerifyRejectsShiftedFieldBoundary(t *testing.T) {
	c := &clock{now: issuedAt}
	_, signer := newGateway(t, c)
	raw, err := signer.SignPut(context.Background(), "intake-docs", "a.pdf\napplication", "pdf", issuedAt.Add(time.Minute))
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	q.Set("object", "a.pdf")
	q.Set("contentType", "application\npdf")
	_, err = signer.Verify(q)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestUploadIsSingleUse(t *testing.T) {
	c := &clock{now: issuedAt}
	g, signer := newGateway(t, c)
	backend := storage.NewMemoryBackend()
	upload := UploadHandler(signer, backend, telemetry.Discard())

	res, err := g.IssueGrant(context.Background(), models.GrantRequest{ObjectKey: "incoming/report.pdf", ContentType: "application/pdf"})
	require.NoError(t, err)

	put := func(body string) int {
		req := httptest.NewRequest(http.MethodPut, res.URL, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/pdf")
		rec := httptest.NewRecorder()
		upload(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusCreated, put("%PDF-first"))
	assert.Equal(t, http.StatusConflict, put("%PDF-second"))

	data, attrs, err := backend.Get(context.Background(), "intake-docs", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-first", string(data))
	assert.Equal(t, "application/pdf", attrs.ContentType)

	c.now = issuedAt.Add(time.Hour)
	res, err = g.IssueGrant(context.Background(), models.GrantRequest{ObjectKey: "incoming/late.pdf"})
	require.NoError(t, err)
	c.now = issuedAt.Add(2 * time.Hour)
	req := httptest.NewRequest(http.MethodPut, res.URL, strings.NewReader("late"))
	rec := httptest.NewRecorder()
	upload(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGrantHandler(t *testing.T) {
	g, _ := newGateway(t, &clock{now: issuedAt})
	h := GrantHandler(g, telemetry.Discard())

	call := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodPost, "/v1/grants", bytes.NewBufferString(body)))
		return rec
	}

	rec := call(`{"objectKey":"incoming/report.pdf"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.GrantResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.NotEmpty(t, res.URL)
	assert.Contains(t, res.URL, "contentType=application%2Foctet-stream")

	assert.Equal(t, http.StatusForbidden, call(`{"objectKey":"scratch/x.json"}`).Code)
	assert.Equal(t, http.StatusBadRequest, call(`{"objectKey":"incoming/../x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, call(`not json`).Code)
}
