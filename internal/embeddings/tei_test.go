package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTEIServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req teiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([][]float32, len(req.Inputs))
		for i, in := range req.Inputs {
			v := make([]float32, dim)
			v[len(in)%dim] = 2
			out[i] = v
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTEIConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  TEIConfig
	}{
		{"missing url", TEIConfig{Model: "m", Dimension: 4}},
		{"missing model", TEIConfig{BaseURL: "http://x", Dimension: 4}},
		{"missing dimension", TEIConfig{BaseURL: "http://x", Model: "m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTEIProvider(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestTEIProvider_Embed(t *testing.T) {
	srv := newTEIServer(t, 4)
	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL + "/", Model: "bge", Dimension: 4})
	require.NoError(t, err)

	vectors, err := p.EmbedDocuments(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 2, 0, 0}, {0, 0, 2, 0}}, vectors)

	q, err := p.EmbedQuery(context.Background(), "ccc")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 2}, q)
}

func TestTEIProvider_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL, Model: "bge", Dimension: 4})
	require.NoError(t, err)

	_, err = p.EmbedQuery(context.Background(), "q")
	require.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")
}

func TestNewProvider_TEI(t *testing.T) {
	srv := newTEIServer(t, 4)

	p, err := NewProvider(context.Background(), ProviderConfig{
		Provider:  "tei",
		BaseURL:   srv.URL,
		Model:     "bge",
		Dimension: 4,
	}, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "bge", p.Model())
	v, err := p.EmbedQuery(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0, 0}, v)
}

func TestNewProvider_WarmUpFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewProvider(context.Background(), ProviderConfig{
		Provider:  "tei",
		BaseURL:   srv.URL,
		Model:     "bge",
		Dimension: 4,
	}, nil)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestNewProvider_WarmUpDimensionMismatch(t *testing.T) {
	srv := newTEIServer(t, 8)

	_, err := NewProvider(context.Background(), ProviderConfig{
		Provider:  "tei",
		BaseURL:   srv.URL,
		Model:     "bge",
		Dimension: 4,
	}, nil)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}
