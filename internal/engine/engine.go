// Package engine is the ingestion and query boundary of docqa.
//
// Ingest turns uploaded bytes into a registered document version. Query
// answers a question from the latest active version of every document (or
// of one document) and records the exchange in the user's conversation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/conversation"
	"github.com/fyrsmithlabs/docqa/internal/extraction"
	"github.com/fyrsmithlabs/docqa/internal/logging"
	"github.com/fyrsmithlabs/docqa/internal/retrieval"
	"github.com/fyrsmithlabs/docqa/internal/synthesis"
	"github.com/fyrsmithlabs/docqa/internal/versionstore"
)

const instrumentationName = "github.com/fyrsmithlabs/docqa/internal/engine"

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

var (
	// ErrNoCandidateContent means no active document could contribute to
	// an answer.
	ErrNoCandidateContent = errors.New("nothing to answer from")

	// ErrEmptyQuestion rejects blank questions.
	ErrEmptyQuestion = errors.New("question is required")
)

// Options holds the engine's collaborators.
type Options struct {
	Extractor     *extraction.Extractor
	Versions      *versionstore.Store
	Resolver      *retrieval.Resolver
	Synthesizer   *synthesis.Synthesizer
	Conversations *conversation.Orchestrator
	Logger        *zap.Logger
}

// Validate validates the options.
func (o *Options) Validate() error {
	var errs []error
	if o.Versions == nil {
		errs = append(errs, errors.New("version store is required"))
	}
	if o.Resolver == nil {
		errs = append(errs, errors.New("resolver is required"))
	}
	if o.Synthesizer == nil {
		errs = append(errs, errors.New("synthesizer is required"))
	}
	if o.Conversations == nil {
		errs = append(errs, errors.New("conversation orchestrator is required"))
	}
	return errors.Join(errs...)
}

// Engine wires extraction, versioning, retrieval, synthesis and
// conversations together.
type Engine struct {
	extractor     *extraction.Extractor
	versions      *versionstore.Store
	resolver      *retrieval.Resolver
	synthesizer   *synthesis.Synthesizer
	conversations *conversation.Orchestrator
	logger        *logging.Logger
	metrics       *metrics

	// closers run on Close, last registered first.
	closers []func() error
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Extractor == nil {
		opts.Extractor = extraction.New()
	}
	return &Engine{
		extractor:     opts.Extractor,
		versions:      opts.Versions,
		resolver:      opts.Resolver,
		synthesizer:   opts.Synthesizer,
		conversations: opts.Conversations,
		logger:        logging.Wrap(opts.Logger),
		metrics:       newMetrics(opts.Logger),
	}, nil
}

// Close releases resources acquired by Open.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// IngestRequest is one uploaded document.
type IngestRequest struct {
	// Key identifies the logical document. Its folder is normalized.
	Key versionstore.DocumentKey
	// Filename picks the extractor. Defaults to Key.Filename.
	Filename string
	Raw      []byte
	// ModifiedAt is the source modification time. Zero means now.
	ModifiedAt time.Time
}

// IngestResult reports what Ingest did.
type IngestResult struct {
	Record versionstore.VersionRecord
	// IsNew is false when identical bytes were already registered.
	IsNew bool
}

// Ingest extracts text from req.Raw and registers it as a new version of
// req.Key. Failures are typed: extraction.ErrUnsupportedFormat,
// versionstore.ErrNoExtractableContent, versionstore.ErrInvalidKey, and
// embeddings.ErrEmbeddingFailed among others.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	ctx, span := tracer().Start(ctx, "Engine.Ingest")
	defer span.End()
	ctx = logging.WithDocumentKey(ctx, req.Key.String())

	res, err := e.ingest(ctx, req)
	outcome := ingestOutcome(res, err)
	span.SetAttributes(attribute.String("result", outcome))
	e.metrics.recordIngest(ctx, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		e.logger.Warn(ctx, "ingest failed", zap.String("outcome", outcome), zap.Error(err))
		return IngestResult{}, err
	}
	span.SetAttributes(
		attribute.String("document.key", res.Record.Key.String()),
		attribute.Int("version", res.Record.VersionNumber),
	)
	e.logger.Info(ctx, "document ingested",
		zap.String("outcome", outcome),
		zap.Int("version", res.Record.VersionNumber),
		zap.Int("chunks", res.Record.ChunkCount),
	)
	return res, nil
}

func (e *Engine) ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	key, err := versionstore.NewDocumentKey(req.Key.FolderPath, req.Key.Filename)
	if err != nil {
		return IngestResult{}, err
	}
	filename := req.Filename
	if filename == "" {
		filename = key.Filename
	}

	text, err := e.extractor.Extract(ctx, filename, req.Raw)
	if err != nil {
		return IngestResult{}, fmt.Errorf("extracting %s: %w", key, err)
	}
	if text.Empty() {
		return IngestResult{}, fmt.Errorf("%w: %s", versionstore.ErrNoExtractableContent, key)
	}

	var (
		rec   versionstore.VersionRecord
		isNew bool
	)
	if len(text.Pages) > 0 {
		rec, isNew, err = e.versions.RegisterPages(ctx, key, req.Raw, text.Pages, req.ModifiedAt)
	} else {
		rec, isNew, err = e.versions.Register(ctx, key, req.Raw, text.Text, req.ModifiedAt)
	}
	if err != nil {
		return IngestResult{}, err
	}
	return IngestResult{Record: rec, IsNew: isNew}, nil
}

func ingestOutcome(res IngestResult, err error) string {
	switch {
	case err == nil && res.IsNew:
		return "new"
	case err == nil:
		return "duplicate"
	case errors.Is(err, extraction.ErrUnsupportedFormat):
		return "unsupported"
	case errors.Is(err, versionstore.ErrNoExtractableContent):
		return "empty"
	case errors.Is(err, versionstore.ErrInvalidKey):
		return "invalid"
	default:
		return "failed"
	}
}

// QueryRequest is one question from a user.
type QueryRequest struct {
	Question string
	UserID   string
	// DocumentKey restricts retrieval to one document when set.
	DocumentKey *versionstore.DocumentKey
	// NewSession starts a fresh conversation before answering.
	NewSession bool
}

// QueryResult is an answer with its provenance.
type QueryResult struct {
	Answer       string             `json:"answer"`
	Sources      []synthesis.Source `json:"sources"`
	SessionID    string             `json:"session_id"`
	IsNewSession bool               `json:"is_new_session"`
	// ModelUsed is nil when the answer was quoted rather than generated.
	ModelUsed    *string       `json:"model_used"`
	DatesFound   []string      `json:"dates_found"`
	ResponseTime time.Duration `json:"response_time"`
}

// Query answers req.Question. It returns ErrNoCandidateContent, without
// touching the user's conversation, when there is nothing to answer from.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	start := time.Now()
	ctx, span := tracer().Start(ctx, "Engine.Query")
	defer span.End()
	ctx = logging.WithUserID(ctx, req.UserID)

	res, err := e.query(ctx, req)
	elapsed := time.Since(start)
	e.metrics.recordQuery(ctx, elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return QueryResult{}, err
	}
	res.ResponseTime = elapsed
	span.SetAttributes(
		attribute.Int("sources", len(res.Sources)),
		attribute.Bool("generated", res.ModelUsed != nil),
		attribute.Bool("new_session", res.IsNewSession),
	)
	return res, nil
}

func (e *Engine) query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return QueryResult{}, ErrEmptyQuestion
	}
	if strings.TrimSpace(req.UserID) == "" {
		return QueryResult{}, conversation.ErrInvalidUserID
	}

	candidates, err := e.candidates(ctx, req.DocumentKey)
	if err != nil {
		return QueryResult{}, err
	}
	if len(candidates) == 0 {
		e.logger.Debug(ctx, "no active documents to answer from")
		return QueryResult{}, ErrNoCandidateContent
	}

	passages, err := e.resolver.Retrieve(ctx, question, candidates, 0, 0)
	if err != nil {
		return QueryResult{}, fmt.Errorf("retrieving passages: %w", err)
	}
	if len(passages) == 0 {
		e.logger.Debug(ctx, "no passages retrieved", zap.Int("candidates", len(candidates)))
		return QueryResult{}, ErrNoCandidateContent
	}

	var answer synthesis.Result
	sess, isNew, _, err := e.conversations.Exchange(ctx, req.UserID, req.NewSession,
		func(ctx context.Context, _ conversation.Session) (conversation.Message, error) {
			answer = e.synthesizer.Synthesize(ctx, question, passages)
			return conversation.Message{
				Question:  question,
				Answer:    answer.Answer,
				Sources:   conversationSources(answer.Sources),
				ModelUsed: answer.ModelUsed,
			}, nil
		})
	if err != nil {
		return QueryResult{}, fmt.Errorf("recording exchange: %w", err)
	}

	e.logger.Debug(logging.WithSessionID(ctx, sess.ID), "query answered",
		zap.Int("candidates", len(candidates)),
		zap.Int("passages", len(passages)),
		zap.Bool("generated", answer.ModelUsed != nil),
	)
	return QueryResult{
		Answer:       answer.Answer,
		Sources:      answer.Sources,
		SessionID:    sess.ID,
		IsNewSession: isNew,
		ModelUsed:    answer.ModelUsed,
		DatesFound:   answer.DatesFound,
	}, nil
}

// candidates returns the latest active versions, narrowed to key when set.
func (e *Engine) candidates(ctx context.Context, key *versionstore.DocumentKey) ([]versionstore.VersionRecord, error) {
	all := e.versions.LatestActive(ctx)
	if key == nil {
		return all, nil
	}
	want, err := versionstore.NewDocumentKey(key.FolderPath, key.Filename)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if rec.Key == want {
			return []versionstore.VersionRecord{rec}, nil
		}
	}
	return nil, nil
}

func conversationSources(in []synthesis.Source) []conversation.Source {
	out := make([]conversation.Source, len(in))
	for i, s := range in {
		out[i] = conversation.Source{Key: s.Key, VersionNumber: s.VersionNumber, ModifiedAt: s.ModifiedAt}
	}
	return out
}

// Documents returns the latest active version of every document.
func (e *Engine) Documents(ctx context.Context) []versionstore.VersionRecord {
	return e.versions.LatestActive(ctx)
}

// Versions returns a document's history, newest first.
func (e *Engine) Versions(ctx context.Context, key versionstore.DocumentKey) ([]versionstore.VersionRecord, error) {
	k, err := versionstore.NewDocumentKey(key.FolderPath, key.Filename)
	if err != nil {
		return nil, err
	}
	return e.versions.Versions(ctx, k)
}

// SetActive toggles a version's activity. A deactivated latest version
// stops being queried; its index handle is dropped from the cache.
func (e *Engine) SetActive(ctx context.Context, key versionstore.DocumentKey, version int, active bool) (versionstore.VersionRecord, error) {
	k, err := versionstore.NewDocumentKey(key.FolderPath, key.Filename)
	if err != nil {
		return versionstore.VersionRecord{}, err
	}
	rec, err := e.versions.SetActive(ctx, k, version, active)
	if err != nil {
		return versionstore.VersionRecord{}, err
	}
	if !active {
		e.resolver.Forget(rec.IndexID)
	}
	return rec, nil
}

// Deactivate is SetActive(ctx, key, version, false).
func (e *Engine) Deactivate(ctx context.Context, key versionstore.DocumentKey, version int) (versionstore.VersionRecord, error) {
	return e.SetActive(ctx, key, version, false)
}

// NewChat ends the user's active conversation.
func (e *Engine) NewChat(ctx context.Context, userID string) error {
	return e.conversations.NewChat(ctx, userID)
}

// Conversations lists the user's sessions, most recent first.
func (e *Engine) Conversations(ctx context.Context, userID string) ([]conversation.Session, error) {
	return e.conversations.List(ctx, userID)
}

// Conversation returns one session with its messages.
func (e *Engine) Conversation(ctx context.Context, sessionID string) (conversation.Session, error) {
	return e.conversations.Get(ctx, sessionID)
}
