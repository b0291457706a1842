package email

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/ingress"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/store"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

// triggerPattern is the pattern shipped in pipeline.yaml.
const triggerPattern = `^incoming/.+\.(pdf|png|jpe?g|tiff?|txt|html)$`

var testPDF = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []telemetry.Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a telemetry.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

type fixture struct {
	backend   *storage.MemoryBackend
	subs      *storage.Substrate
	store     *store.Memory
	alerter   *recordingAlerter
	intake    *Intake
	extractor *Extractor

	mu            sync.Mutex
	notifications []models.Notification
	accepted      []string
	announced     []models.ExtractionNotification
}

func newFixture(t *testing.T, bodyPolicy string) *fixture {
	t.Helper()
	topo := storage.NewTopology([]models.Zone{
		{Name: "incoming", Bucket: "intake-docs", TriggersPipeline: true},
		{Name: "raw-email", Bucket: "intake-email"},
	})
	filter, err := ingress.NewFilter(topo, triggerPattern)
	require.NoError(t, err)

	f := &fixture{backend: storage.NewMemoryBackend(), store: store.NewMemory(nil), alerter: &recordingAlerter{}}
	storage.NotifyOnWrite(f.backend, topo, func(_ context.Context, n models.Notification) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.notifications = append(f.notifications, n)
		if filter.Evaluate(n).Accept {
			f.accepted = append(f.accepted, n.DocumentKey)
		}
	})
	subs := storage.NewSubstrate(topo, f.backend)
	f.subs = subs
	notifier := NotifierFunc(func(_ context.Context, n models.ExtractionNotification) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.announced = append(f.announced, n)
		return nil
	})
	f.intake = NewIntake(subs, f.store, notifier, "raw-email", []string{"Intake@Clinic.example"}, telemetry.Discard())
	f.extractor = NewExtractor(subs, f.store, f.alerter, "incoming", bodyPolicy, telemetry.Discard())
	return f
}

func (f *fixture) acceptedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accepted...)
}

func buildMessage(t *testing.T, text string, attachments ...[3]string) []byte {
	t.Helper()
	b := enmime.Builder().
		From("Riverside Clinic", "fax@riverside.example").
		To("Intake", "intake@clinic.example").
		Subject("Referral").
		Text([]byte(text))
	for _, a := range attachments {
		b = b.AddAttachment([]byte(a[0]), a[1], a[2])
	}
	root, err := b.Build()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, root.Encode(&buf))
	return buf.Bytes()
}

func TestTwoAttachmentsYieldTwoDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, BodyFallback)
	raw := buildMessage(t, "Please see attached.",
		[3]string{string(testPDF), "application/pdf", "Referral.PDF"},
		[3]string{"\x89PNG fake", "image/png", "scan.png"},
	)

	ack, err := f.intake.Receive(ctx, models.EmailReceipt{Recipient: "INTAKE@clinic.example", MessageID: "<m1@riverside.example>", Raw: raw})
	require.NoError(t, err)
	assert.Equal(t, "m1@riverside.example", ack.MessageID)
	assert.Equal(t, string(models.ExtractionPending), ack.Status)
	assert.Equal(t, "mem://intake-email/"+Digest("m1@riverside.example")+".eml", ack.RawBlobRef)
	assert.Empty(t, f.acceptedKeys(), "the raw write never triggers")
	require.Len(t, f.announced, 1)

	docs, err := f.extractor.Extract(ctx, f.announced[0])
	require.NoError(t, err)
	require.Len(t, docs, 2)
	prefix := "incoming/email/" + Digest("m1@riverside.example") + "/"
	assert.Equal(t, prefix+"00.pdf", docs[0].Key)
	assert.Equal(t, prefix+"01.png", docs[1].Key)
	assert.Equal(t, models.ProvenanceEmailExtracted, docs[0].Provenance)
	assert.Equal(t, []string{prefix + "00.pdf", prefix + "01.png"}, sorted(f.acceptedKeys()))

	data, attrs, err := f.backend.Get(ctx, "intake-docs", "email/"+Digest("m1@riverside.example")+"/00.pdf")
	require.NoError(t, err)
	assert.Equal(t, testPDF, data)
	assert.Equal(t, "email-extracted", attrs.Metadata[models.MetadataProvenance])
	assert.Equal(t, "0", attrs.Metadata[models.MetadataPartIndex])

	artifact, err := f.store.GetArtifact(ctx, "m1@riverside.example")
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionExtracted, artifact.Status)
	assert.Len(t, artifact.DocumentKeys, 2)
}

// Attachments without a usable file name are keyed by content type, and the
// keys still start executions.
func TestNamelessAttachmentsTrigger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, BodyFallback)
	raw := buildMessage(t, "x",
		[3]string{"\xff\xd8\xff jpeg", "image/jpeg", "scan"},
		[3]string{"<p>letter</p>", "text/html", "letter"},
	)
	_, err := f.intake.Receive(ctx, models.EmailReceipt{Recipient: "intake@clinic.example", MessageID: "m-nameless", Raw: raw})
	require.NoError(t, err)

	docs, err := f.extractor.Extract(ctx, f.announced[0])
	require.NoError(t, err)
	require.Len(t, docs, 2)
	prefix := "incoming/email/" + Digest("m-nameless") + "/"
	assert.Equal(t, prefix+"00.jpg", docs[0].Key)
	assert.Equal(t, prefix+"01.html", docs[1].Key)
	assert.Equal(t, []string{prefix + "00.jpg", prefix + "01.html"}, sorted(f.acceptedKeys()))
}

func TestExtension(t *testing.T) {
	tests := []struct {
		contentType, fileName, want string
	}{
		{"application/pdf", "Referral.PDF", ".pdf"},
		{"application/octet-stream", "scan.tif", ".tif"},
		{"image/jpeg", "", ".jpg"},
		{"image/jpeg; name=scan", "scan", ".jpg"},
		{"text/html", "", ".html"},
		{"text/plain", "notes.", ".txt"},
		{"image/tiff", "", ".tiff"},
		{"application/x-unknown", "", ".bin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extension(part{contentType: tt.contentType, fileName: tt.fileName}), tt.contentType+" "+tt.fileName)
	}
}

func TestReextractionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, BodyFallback)
	raw := buildMessage(t, "x", [3]string{string(testPDF), "application/pdf", "a.pdf"})
	_, err := f.intake.Receive(ctx, models.EmailReceipt{Recipient: "intake@clinic.example", MessageID: "m2", Raw: raw})
	require.NoError(t, err)
	n := f.announced[0]

	_, err = f.extractor.Extract(ctx, n)
	require.NoError(t, err)
	require.Len(t, f.acceptedKeys(), 1)

	// A retry after a crash between the writes and the status update.
	artifact, err := f.store.GetArtifact(ctx, "m2")
	require.NoError(t, err)
	artifact.Status = models.ExtractionPending
	require.NoError(t, f.store.UpdateArtifact(ctx, artifact))

	docs, err := f.extractor.Extract(ctx, n)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Len(t, f.acceptedKeys(), 1, "re-extraction raises no new triggering writes")

	docs, err = f.extractor.Extract(ctx, n)
	require.NoError(t, err)
	assert.Empty(t, docs, "a finished extraction is skipped")
}

func TestRedeliveredMessageIsNotAnnouncedAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, BodyFallback)
	raw := buildMessage(t, "x", [3]string{string(testPDF), "application/pdf", "a.pdf"})
	receipt := models.EmailReceipt{Recipient: "intake@clinic.example", MessageID: "m3", Raw: raw}

	first, err := f.intake.Receive(ctx, receipt)
	require.NoError(t, err)
	again, err := f.intake.Receive(ctx, receipt)
	require.NoError(t, err)
	assert.Equal(t, first.RawBlobRef, again.RawBlobRef, "redelivery overwrites the same key")
	assert.Len(t, f.announced, 2, "a pending message is announced again")

	_, err = f.extractor.Extract(ctx, f.announced[0])
	require.NoError(t, err)
	done, err := f.intake.Receive(ctx, receipt)
	require.NoError(t, err)
	assert.Equal(t, string(models.ExtractionExtracted), done.Status)
	assert.Len(t, f.announced, 2)
	assert.Len(t, f.backend.Objects("intake-email"), 1)
}

func TestUnknownRecipientIsRejected(t *testing.T) {
	f := newFixture(t, BodyFallback)
	_, err := f.intake.Receive(context.Background(), models.EmailReceipt{Recipient: "billing@clinic.example", Raw: []byte("Subject: x\r\n\r\nhi")})
	assert.ErrorIs(t, err, ErrUnknownRecipient)
	assert.Empty(t, f.backend.Objects("intake-email"))
	assert.Empty(t, f.announced)
}

func TestMalformedMessageFailsExtraction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, BodyFallback)
	_, err := f.intake.Receive(ctx, models.EmailReceipt{Recipient: "intake@clinic.example", MessageID: "bad-1", Raw: []byte("this is not a mail message\n")})
	require.NoError(t, err)

	docs, err := f.extractor.Extract(ctx, f.announced[0])
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.Empty(t, docs)
	assert.Empty(t, f.backend.Objects("intake-docs"))
	assert.Len(t, f.backend.Objects("intake-email"), 1, "the raw artifact is retained")

	artifact, err := f.store.GetArtifact(ctx, "bad-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionFailed, artifact.Status)
	assert.NotEmpty(t, artifact.ErrorDetails)

	require.Len(t, f.alerter.alerts, 1)
	assert.Equal(t, telemetry.AlertExtractionFailure, f.alerter.alerts[0].Kind)
	assert.Equal(t, "bad-1", f.alerter.alerts[0].MessageID)
}

func TestBodyPolicy(t *testing.T) {
	tests := []struct {
		policy      string
		attachments int
		want        []string
	}{
		{BodyFallback, 0, []string{"00.txt"}},
		{BodyFallback, 1, []string{"00.pdf"}},
		{BodyAlways, 1, []string{"00.txt", "01.pdf"}},
		{BodyNever, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, tt.policy)
			var atts [][3]string
			if tt.attachments > 0 {
				atts = append(atts, [3]string{string(testPDF), "application/pdf", "lab.pdf"})
			}
			raw := buildMessage(t, "Results attached.", atts...)
			_, err := f.intake.Receive(ctx, models.EmailReceipt{Recipient: "intake@clinic.example", MessageID: "m-body", Raw: raw})
			require.NoError(t, err)

			docs, err := f.extractor.Extract(ctx, f.announced[0])
			require.NoError(t, err)
			var got []string
			for _, d := range docs {
				got = append(got, d.Key[strings.LastIndex(d.Key, "/")+1:])
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMessageIDFallbacks(t *testing.T) {
	raw := []byte("Message-ID: <hdr@clinic.example>\r\nSubject: x\r\n\r\nbody")
	assert.Equal(t, "explicit", MessageID(" <explicit> ", raw))
	assert.Equal(t, "hdr@clinic.example", MessageID("", raw))
	assert.True(t, strings.HasPrefix(MessageID("", []byte("Subject: x\r\n\r\nbody")), "sha256-"))
}

func TestIntakeHandler(t *testing.T) {
	f := newFixture(t, BodyFallback)
	h := IntakeHandler(f.intake, telemetry.Discard())
	raw := buildMessage(t, "hello")

	req := httptest.NewRequest(http.MethodPost, "/v1/email?recipient=intake%40clinic.example", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "message/rfc822")
	rec := httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)

	req = httptest.NewRequest(http.MethodPost, "/v1/email", strings.NewReader(`{"recipient":"nobody@clinic.example","raw":"U3ViamVjdDogeA0KDQpoaQ=="}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/email", strings.NewReader(`{"recipient":"intake@clinic.example"}`))
	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func sorted(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}
