// Package embeddingstest provides deterministic embedders for tests.
package embeddingstest

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"unicode"
)

// DefaultDimension is the vector length of a Fake with no explicit dimension.
const DefaultDimension = 64

// Fake hashes lowercase word tokens into a fixed number of buckets. Texts
// sharing words have similar vectors, so ranking in tests behaves like a
// (very small) bag-of-words model. Output is not normalized; wrap it with
// embeddings.Wrap for that.
type Fake struct {
	ModelName string
	Dim       int

	// Err, when set, is returned by every call.
	Err error

	calls atomic.Int64
}

// New returns a Fake with the given model name and DefaultDimension.
func New(model string) *Fake {
	return &Fake{ModelName: model, Dim: DefaultDimension}
}

// Calls returns how many embed calls have been made.
func (f *Fake) Calls() int64 { return f.calls.Load() }

func (f *Fake) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *Fake) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	return f.vector(text), nil
}

func (f *Fake) Model() string {
	if f.ModelName == "" {
		return "fake"
	}
	return f.ModelName
}

func (f *Fake) Dimension() int {
	if f.Dim <= 0 {
		return DefaultDimension
	}
	return f.Dim
}

func (f *Fake) Close() error { return nil }

func (f *Fake) fail(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.Err
}

func (f *Fake) vector(text string) []float32 {
	v := make([]float32, f.Dimension())
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(len(v))]++
	}
	// Keep empty or punctuation-only text off the zero vector.
	if len(words) == 0 {
		v[0] = 1
	}
	return v
}

// ErrUnavailable is the error returned by Unavailable.
var ErrUnavailable = errors.New("fake embedder unavailable")

// Unavailable returns a Fake whose every call fails.
func Unavailable() *Fake {
	return &Fake{ModelName: "fake", Dim: DefaultDimension, Err: ErrUnavailable}
}
