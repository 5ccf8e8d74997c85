package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/docqa/internal/blobstore"
	"github.com/fyrsmithlabs/docqa/internal/chunker"
	"github.com/fyrsmithlabs/docqa/internal/conversation"
	"github.com/fyrsmithlabs/docqa/internal/embeddings"
	"github.com/fyrsmithlabs/docqa/internal/embeddings/embeddingstest"
	"github.com/fyrsmithlabs/docqa/internal/extraction"
	"github.com/fyrsmithlabs/docqa/internal/extraction/extractiontest"
	"github.com/fyrsmithlabs/docqa/internal/logging"
	"github.com/fyrsmithlabs/docqa/internal/retrieval"
	"github.com/fyrsmithlabs/docqa/internal/synthesis"
	"github.com/fyrsmithlabs/docqa/internal/telemetry"
	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
	"github.com/fyrsmithlabs/docqa/internal/versionstore"
)

const (
	policy2023 = "Leave policy. Employees are entitled to 10 days of paid annual leave per calendar year. Modified 2023-03-01."
	policy2024 = "Leave policy. Employees are entitled to 15 days of paid annual leave per calendar year. Modified 2024-03-01."
)

var (
	mar2023 = time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	mar2024 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
)

// echoGenerator answers with the first line of context it was given.
type echoGenerator struct {
	err   error
	calls atomic.Int32
}

func (g *echoGenerator) Generate(_ context.Context, _, user string) (string, error) {
	g.calls.Add(1)
	if g.err != nil {
		return "", g.err
	}
	for _, line := range strings.Split(user, "\n") {
		if strings.Contains(line, "days") {
			return "- " + line, nil
		}
	}
	return "I cannot confirm this.", nil
}

func (g *echoGenerator) Model() string { return "echo-1" }

type harness struct {
	engine   *Engine
	fake     *embeddingstest.Fake
	sessions *conversation.MemoryStore
	gen      *echoGenerator
	logger   *zap.Logger
}

type harnessOption func(*Options, *harness)

func withGenerator(g *echoGenerator) harnessOption {
	return func(_ *Options, h *harness) { h.gen = g }
}

// withEngineLogger records the engine's own entries; collaborators keep
// logging to the test.
func withEngineLogger(l *zap.Logger) harnessOption {
	return func(_ *Options, h *harness) { h.logger = l }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	h := &harness{
		fake:     embeddingstest.New("fake"),
		sessions: conversation.NewMemoryStore(),
		gen:      &echoGenerator{},
	}
	var o Options
	for _, opt := range opts {
		opt(&o, h)
	}

	emb := embeddings.Wrap(h.fake, nil)
	blobs := blobstore.NewMemory()
	backend, err := vectorstore.NewChromemBackend(vectorstore.ChromemConfig{
		Space: vectorstore.Space{Model: emb.Model(), Dimension: emb.Dimension()},
	}, blobs, logger)
	require.NoError(t, err)

	ch, err := chunker.New(&chunker.Config{})
	require.NoError(t, err)

	o.Versions, err = versionstore.Open(ctx, versionstore.Config{
		Blobs: blobs, Chunker: ch, Embedder: emb, Backend: backend, Logger: logger,
	})
	require.NoError(t, err)

	o.Resolver, err = retrieval.New(retrieval.Config{Embedder: emb, Backend: backend, Logger: logger})
	require.NoError(t, err)

	var gen synthesis.Generator
	if h.gen != nil {
		gen = h.gen
	}
	o.Synthesizer = synthesis.New(synthesis.Config{
		Generator: gen,
		Retry:     synthesis.RetryPolicy{MaxAttempts: 1},
		Logger:    logger,
	})
	o.Conversations = conversation.NewOrchestrator(h.sessions, logger)
	o.Logger = logger
	if h.logger != nil {
		o.Logger = h.logger
	}

	h.engine, err = New(o)
	require.NoError(t, err)
	return h
}

func (h *harness) ingest(t *testing.T, folder, name, text string, modified time.Time) IngestResult {
	t.Helper()
	res, err := h.engine.Ingest(context.Background(), IngestRequest{
		Key:        versionstore.DocumentKey{FolderPath: folder, Filename: name},
		Raw:        []byte(text),
		ModifiedAt: modified,
	})
	require.NoError(t, err)
	return res
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version store is required")
	assert.Contains(t, err.Error(), "conversation orchestrator is required")
}

func TestIngest_NewAndDuplicate(t *testing.T) {
	h := newHarness(t)

	first := h.ingest(t, "/hr/", "policy.txt", policy2023, mar2023)
	assert.True(t, first.IsNew)
	assert.Equal(t, 1, first.Record.VersionNumber)
	assert.Equal(t, "hr", first.Record.Key.FolderPath, "folder is normalized")

	again := h.ingest(t, "hr", "policy.txt", policy2023, mar2024)
	assert.False(t, again.IsNew)
	assert.Equal(t, first.Record, again.Record)

	next := h.ingest(t, "hr", "policy.txt", policy2024, mar2024)
	assert.True(t, next.IsNew)
	assert.Equal(t, 2, next.Record.VersionNumber)
}

func TestIngest_TypedFailures(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		raw      string
		want     error
	}{
		{"unsupported extension", "sheet.xlsx", "cells", extraction.ErrUnsupportedFormat},
		{"blank text", "blank.txt", " \n\t ", versionstore.ErrNoExtractableContent},
		{"only noise", "note.md", "too short", versionstore.ErrNoExtractableContent},
		{"markup without text", "empty.html", "<html><body><script>x()</script></body></html>", versionstore.ErrNoExtractableContent},
		{"path in filename", "../etc.txt", policy2024, versionstore.ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.engine.Ingest(context.Background(), IngestRequest{
				Key: versionstore.DocumentKey{Filename: tt.filename},
				Raw: []byte(tt.raw),
			})
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, h.engine.Documents(context.Background()))
		})
	}
}

func TestIngest_FilenameOverridesExtractor(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.Ingest(context.Background(), IngestRequest{
		Key:      versionstore.DocumentKey{Filename: "policy"},
		Filename: "upload.html",
		Raw:      []byte("<p>" + policy2024 + "</p>"),
	})
	require.NoError(t, err)
	assert.Equal(t, "policy", res.Record.Key.Filename)
}

func TestIngest_PDFKeepsPages(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.Ingest(context.Background(), IngestRequest{
		Key: versionstore.DocumentKey{FolderPath: "hr", Filename: "leave.pdf"},
		Raw: extractiontest.PDF(
			"Page one describes the annual leave entitlement for all permanent employees.",
			"Page two describes how unused leave carries over into the next calendar year.",
		),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Record.ChunkCount)
}

func TestQuery_PolicyScenarioAnswersFromLatest(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "hr", "policy.txt", policy2023, mar2023)
	h.ingest(t, "hr", "policy.txt", policy2024, mar2024)

	res, err := h.engine.Query(context.Background(), QueryRequest{
		Question: "How many days of annual leave do employees get?",
		UserID:   "alice",
	})
	require.NoError(t, err)

	require.Len(t, res.Sources, 1)
	assert.Equal(t, 2, res.Sources[0].VersionNumber)
	assert.Contains(t, res.Answer, "15 days")
	assert.NotContains(t, res.Answer, "10 days")
	require.NotNil(t, res.ModelUsed)
	assert.Equal(t, "echo-1", *res.ModelUsed)
	assert.Contains(t, res.DatesFound, "2024-03-01")
	assert.True(t, res.IsNewSession)
	assert.NotEmpty(t, res.SessionID)
	assert.Positive(t, res.ResponseTime)

	sess, err := h.engine.Conversation(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	msg := sess.Messages[0]
	assert.Equal(t, "How many days of annual leave do employees get?", msg.Question)
	assert.Equal(t, res.Answer, msg.Answer)
	require.Len(t, msg.Sources, 1)
	assert.Equal(t, 2, msg.Sources[0].VersionNumber)
	assert.Equal(t, "How many days of annual leave do employees get?", sess.Title)
}

func TestQuery_GenerationUnavailableQuotesPassages(t *testing.T) {
	h := newHarness(t, withGenerator(&echoGenerator{err: errors.New("connection refused")}))
	h.ingest(t, "hr", "policy.txt", policy2024, mar2024)

	res, err := h.engine.Query(context.Background(), QueryRequest{Question: "annual leave days?", UserID: "alice"})
	require.NoError(t, err)
	assert.Nil(t, res.ModelUsed)
	assert.True(t, strings.HasPrefix(res.Answer, synthesis.FallbackNote))
	assert.Contains(t, res.Answer, "15 days")

	sess, err := h.engine.Conversation(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	assert.Nil(t, sess.Messages[0].ModelUsed)
}

func TestQuery_NoGeneratorConfigured(t *testing.T) {
	h := newHarness(t, func(_ *Options, h *harness) { h.gen = nil })
	h.ingest(t, "hr", "policy.txt", policy2024, mar2024)

	res, err := h.engine.Query(context.Background(), QueryRequest{Question: "annual leave days?", UserID: "alice"})
	require.NoError(t, err)
	assert.Nil(t, res.ModelUsed)
	assert.NotEmpty(t, res.Answer)
}

func TestQuery_NothingToAnswerFrom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Query(ctx, QueryRequest{Question: "anything?", UserID: "alice"})
	assert.ErrorIs(t, err, ErrNoCandidateContent)

	h.ingest(t, "hr", "policy.txt", policy2024, mar2024)
	_, err = h.engine.Query(ctx, QueryRequest{
		Question:    "anything?",
		UserID:      "alice",
		DocumentKey: &versionstore.DocumentKey{FolderPath: "hr", Filename: "missing.txt"},
	})
	assert.ErrorIs(t, err, ErrNoCandidateContent)

	list, err := h.engine.Conversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list, "no session is created when nothing can be answered")
	assert.Zero(t, h.gen.calls.Load())
}

func TestQuery_NewSessionWithoutContentKeepsCurrentSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := versionstore.DocumentKey{FolderPath: "hr", Filename: "policy.txt"}
	h.ingest(t, key.FolderPath, key.Filename, policy2024, mar2024)

	first, err := h.engine.Query(ctx, QueryRequest{Question: "leave days?", UserID: "alice"})
	require.NoError(t, err)

	assertOnlyActive := func(t *testing.T) {
		t.Helper()
		list, err := h.engine.Conversations(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, list, 1, "no replacement session is created")
		assert.Equal(t, first.SessionID, list[0].ID)
		assert.True(t, list[0].IsActive)
	}

	t.Run("filter matches nothing", func(t *testing.T) {
		_, err := h.engine.Query(ctx, QueryRequest{
			Question:    "leave days?",
			UserID:      "alice",
			NewSession:  true,
			DocumentKey: &versionstore.DocumentKey{FolderPath: "hr", Filename: "missing.txt"},
		})
		require.ErrorIs(t, err, ErrNoCandidateContent)
		assertOnlyActive(t)
	})

	t.Run("every version deactivated", func(t *testing.T) {
		_, err := h.engine.SetActive(ctx, key, 1, false)
		require.NoError(t, err)

		_, err = h.engine.Query(ctx, QueryRequest{Question: "leave days?", UserID: "alice", NewSession: true})
		require.ErrorIs(t, err, ErrNoCandidateContent)
		assertOnlyActive(t)
	})
}

func TestLogs_CarryCorrelationFields(t *testing.T) {
	tl := logging.NewTestLogger()
	h := newHarness(t, withEngineLogger(tl.Underlying()))
	ctx := logging.WithRequestID(context.Background(), "req-7")

	_, err := h.engine.Ingest(ctx, IngestRequest{
		Key:        versionstore.DocumentKey{FolderPath: "hr", Filename: "policy.txt"},
		Raw:        []byte(policy2024),
		ModifiedAt: mar2024,
	})
	require.NoError(t, err)
	tl.AssertField(t, "document ingested", "document", "hr/policy.txt")
	tl.AssertField(t, "document ingested", "request_id", "req-7")
	tl.AssertField(t, "document ingested", "outcome", "new")

	_, err = h.engine.Ingest(ctx, IngestRequest{
		Key: versionstore.DocumentKey{FolderPath: "hr", Filename: "sheet.xlsx"},
		Raw: []byte("cells"),
	})
	require.Error(t, err)
	tl.AssertField(t, "ingest failed", "document", "hr/sheet.xlsx")
	tl.AssertField(t, "ingest failed", "outcome", "unsupported")

	res, err := h.engine.Query(ctx, QueryRequest{Question: "How many days of annual leave?", UserID: "alice"})
	require.NoError(t, err)
	tl.AssertField(t, "query answered", "request_id", "req-7")
	tl.AssertField(t, "query answered", "user_id", "alice")
	tl.AssertField(t, "query answered", "session_id", res.SessionID)
}

func TestQuery_RestrictedToDocument(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "hr", "policy.txt", policy2024, mar2024)
	h.ingest(t, "it", "laptops.txt", "Laptops are replaced every three years. Employees may keep 15 days of old devices.", mar2023)

	res, err := h.engine.Query(context.Background(), QueryRequest{
		Question:    "How many days?",
		UserID:      "alice",
		DocumentKey: &versionstore.DocumentKey{FolderPath: "/it", Filename: "laptops.txt"},
	})
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "laptops.txt", res.Sources[0].Key.Filename)
}

func TestQuery_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Query(context.Background(), QueryRequest{Question: "  ", UserID: "alice"})
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	_, err = h.engine.Query(context.Background(), QueryRequest{Question: "q?", UserID: ""})
	assert.ErrorIs(t, err, conversation.ErrInvalidUserID)
}

func TestQuery_NewSessionThenContinue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ingest(t, "hr", "policy.txt", policy2024, mar2024)

	first, err := h.engine.Query(ctx, QueryRequest{Question: "leave days?", UserID: "alice"})
	require.NoError(t, err)

	a, err := h.engine.Query(ctx, QueryRequest{Question: "A: leave days?", UserID: "alice", NewSession: true})
	require.NoError(t, err)
	assert.True(t, a.IsNewSession)
	assert.NotEqual(t, first.SessionID, a.SessionID)

	b, err := h.engine.Query(ctx, QueryRequest{Question: "B: and next year?", UserID: "alice"})
	require.NoError(t, err)
	assert.False(t, b.IsNewSession)
	assert.Equal(t, a.SessionID, b.SessionID)

	list, err := h.engine.Conversations(ctx, "alice")
	require.NoError(t, err)
	active := 0
	for _, s := range list {
		if s.IsActive {
			active++
			assert.Equal(t, a.SessionID, s.ID)
		}
	}
	assert.Equal(t, 1, active)
}

func TestNewChat_NextQueryStartsSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ingest(t, "hr", "policy.txt", policy2024, mar2024)

	first, err := h.engine.Query(ctx, QueryRequest{Question: "leave days?", UserID: "alice"})
	require.NoError(t, err)
	require.NoError(t, h.engine.NewChat(ctx, "alice"))

	next, err := h.engine.Query(ctx, QueryRequest{Question: "leave days again?", UserID: "alice"})
	require.NoError(t, err)
	assert.True(t, next.IsNewSession)
	assert.NotEqual(t, first.SessionID, next.SessionID)
}

func TestDeactivate_DropsVersionFromQueries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ingest(t, "hr", "policy.txt", policy2023, mar2023)
	h.ingest(t, "hr", "policy.txt", policy2024, mar2024)
	key := versionstore.DocumentKey{FolderPath: "hr", Filename: "policy.txt"}

	_, err := h.engine.Query(ctx, QueryRequest{Question: "leave days?", UserID: "alice"})
	require.NoError(t, err)

	rec, err := h.engine.Deactivate(ctx, key, 2)
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
	assert.Empty(t, h.engine.Documents(ctx), "an inactive latest version does not fall back to older versions")

	_, err = h.engine.Query(ctx, QueryRequest{Question: "leave days?", UserID: "alice"})
	assert.ErrorIs(t, err, ErrNoCandidateContent)

	_, err = h.engine.SetActive(ctx, key, 2, true)
	require.NoError(t, err)
	assert.Len(t, h.engine.Documents(ctx), 1)

	versions, err := h.engine.Versions(ctx, key)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].VersionNumber)

	_, err = h.engine.Deactivate(ctx, key, 7)
	assert.ErrorIs(t, err, versionstore.ErrVersionNotFound)
}

func TestQuery_ConcurrentWithReindexing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.ingest(t, "team", fmt.Sprintf("doc%d.txt", i),
			fmt.Sprintf("Team %d handbook. Members get %d days of training budget every year.", i, i+5), mar2023)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := 0; v < 5; v++ {
			text := fmt.Sprintf("Team 0 handbook revision %d. Members get %d days of training budget every year.", v, 10+v)
			_, err := h.engine.Ingest(ctx, IngestRequest{
				Key:        versionstore.DocumentKey{FolderPath: "team", Filename: "doc0.txt"},
				Raw:        []byte(text),
				ModifiedAt: mar2024.Add(time.Duration(v) * time.Hour),
			})
			errs <- err
		}
	}()
	for u := 0; u < 8; u++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for q := 0; q < 3; q++ {
				_, err := h.engine.Query(ctx, QueryRequest{
					Question: "How many days of training budget?",
					UserID:   fmt.Sprintf("user-%d", u),
				})
				errs <- err
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("queries during re-indexing did not complete")
	}
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	versions, err := h.engine.Versions(ctx, versionstore.DocumentKey{FolderPath: "team", Filename: "doc0.txt"})
	require.NoError(t, err)
	assert.Len(t, versions, 6)
	latest := 0
	for _, v := range versions {
		if v.IsLatest {
			latest++
		}
	}
	assert.Equal(t, 1, latest)
}

func TestTelemetry_IngestAndQuery(t *testing.T) {
	tel := telemetry.NewTestTelemetry(t)
	h := newHarness(t)
	ctx := context.Background()

	h.ingest(t, "hr", "policy.txt", policy2024, mar2024)
	h.ingest(t, "hr", "policy.txt", policy2024, mar2024)
	_, err := h.engine.Ingest(ctx, IngestRequest{Key: versionstore.DocumentKey{Filename: "x.xlsx"}, Raw: []byte("x")})
	require.Error(t, err)
	assert.Equal(t, int64(3), tel.Int64Sum(t, "docqa.ingest.total"))

	_, err = h.engine.Query(ctx, QueryRequest{Question: "leave days?", UserID: "alice"})
	require.NoError(t, err)

	tel.AssertSpanExists(t, "Engine.Ingest")
	tel.AssertSpanExists(t, "Engine.Query")
	tel.AssertSpanExists(t, "Resolver.Retrieve")
	tel.AssertSpanExists(t, "Synthesizer.Synthesize")

	v, ok := tel.SpanAttribute("Engine.Query", "generated")
	require.True(t, ok)
	assert.True(t, v.AsBool())
}
