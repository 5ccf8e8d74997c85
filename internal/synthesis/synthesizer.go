// Package synthesis turns ranked passages into an attributed answer.
//
// Answers come from a chat model when one is configured. When it is not,
// or when every attempt fails, the most relevant passages are quoted
// verbatim instead, so a query always gets an answer grounded in the
// documents.
package synthesis

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/retrieval"
	"github.com/fyrsmithlabs/docqa/internal/versionstore"
)

const instrumentationName = "github.com/fyrsmithlabs/docqa/internal/synthesis"

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// FallbackNote opens every answer that was not produced by the model.
const FallbackNote = "Note: I cannot confirm via automated summarization; the most relevant passages are quoted verbatim below."

const noContextAnswer = "I cannot confirm this from the available documents."

// Source identifies one document version an answer drew on.
type Source struct {
	Key           versionstore.DocumentKey `json:"key"`
	VersionNumber int                      `json:"version"`
	ModifiedAt    time.Time                `json:"modified_at"`
}

// Result is a synthesized answer.
type Result struct {
	Answer  string
	Sources []Source
	// ModelUsed is nil when the answer is the verbatim fallback.
	ModelUsed *string
	// DatesFound lists the dates written in the passages.
	DatesFound []string
}

// Config configures a Synthesizer.
type Config struct {
	// Generator is optional; without one every answer is extractive.
	Generator Generator
	Retry     RetryPolicy
	// FallbackPassages is how many passages a fallback answer quotes.
	// Default: 3
	FallbackPassages int
	Logger           *zap.Logger
}

// Synthesizer builds prompts and calls the generator.
type Synthesizer struct {
	generator Generator
	quote     int
	logger    *zap.Logger
	fallbacks metric.Int64Counter
}

// New creates a Synthesizer.
func New(cfg Config) *Synthesizer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FallbackPassages <= 0 {
		cfg.FallbackPassages = 3
	}
	s := &Synthesizer{
		generator: cfg.Retry.Wrap(cfg.Generator),
		quote:     cfg.FallbackPassages,
		logger:    cfg.Logger,
	}
	var err error
	s.fallbacks, err = otel.Meter(instrumentationName).Int64Counter(
		"docqa.generation.fallbacks",
		metric.WithDescription("Answers served verbatim instead of generated, by reason"),
		metric.WithUnit("{answer}"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create fallbacks counter", zap.Error(err))
	}
	return s
}

// Synthesize answers query from passages, which must already be ranked
// best first. It never fails; generation errors produce a fallback answer.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, passages []retrieval.Passage) Result {
	ctx, span := tracer().Start(ctx, "Synthesizer.Synthesize")
	defer span.End()
	span.SetAttributes(attribute.Int("passages", len(passages)))

	res := Result{Sources: Sources(passages)}
	for _, p := range passages {
		res.DatesFound = appendDates(res.DatesFound, p.Chunk.Text)
	}

	if len(passages) == 0 {
		res.Answer = noContextAnswer
		s.recordFallback(ctx, span, "no_context")
		return res
	}
	if s.generator == nil {
		res.Answer = Fallback(passages, s.quote)
		s.recordFallback(ctx, span, "no_generator")
		return res
	}

	answer, err := s.generator.Generate(ctx, SystemPrompt, UserPrompt(query, passages))
	if err != nil {
		reason := "unavailable"
		if errors.Is(err, ErrGenerationTimeout) {
			reason = "timeout"
		} else if ctx.Err() != nil {
			reason = "cancelled"
		}
		s.logger.Warn("generation failed; answering with quoted passages",
			zap.String("reason", reason),
			zap.Error(err),
		)
		span.RecordError(err)
		res.Answer = Fallback(passages, s.quote)
		s.recordFallback(ctx, span, reason)
		return res
	}

	model := s.generator.Model()
	res.Answer = strings.TrimSpace(answer)
	res.ModelUsed = &model
	span.SetAttributes(attribute.String("model", model), attribute.Bool("fallback", false))
	span.SetStatus(codes.Ok, "success")
	return res
}

func (s *Synthesizer) recordFallback(ctx context.Context, span trace.Span, reason string) {
	span.SetAttributes(attribute.Bool("fallback", true), attribute.String("fallback_reason", reason))
	if s.fallbacks != nil {
		s.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// Fallback quotes the top n passages under their headers.
func Fallback(passages []retrieval.Passage, n int) string {
	if len(passages) == 0 {
		return noContextAnswer
	}
	n = max(1, min(n, len(passages)))
	var b strings.Builder
	b.WriteString(FallbackNote)
	for _, p := range passages[:n] {
		b.WriteString("\n\n")
		b.WriteString(Header(p))
		b.WriteString("\n")
		b.WriteString(p.Chunk.Text)
	}
	return b.String()
}

// Sources lists the distinct versions behind passages in rank order.
func Sources(passages []retrieval.Passage) []Source {
	type versionID struct {
		key     versionstore.DocumentKey
		version int
	}
	seen := make(map[versionID]struct{}, len(passages))
	out := make([]Source, 0, len(passages))
	for _, p := range passages {
		id := versionID{p.Key, p.VersionNumber}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Source{Key: p.Key, VersionNumber: p.VersionNumber, ModifiedAt: p.ModifiedAt})
	}
	return out
}
