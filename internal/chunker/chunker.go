// Package chunker splits extracted document text into overlapping,
// bounded-length segments for embedding.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

// DefaultSeparators are tried in order: paragraph, line, sentence, word,
// then character.
var DefaultSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", " ", ""}

// ErrInvalidConfig is returned for inconsistent size/overlap settings.
var ErrInvalidConfig = errors.New("invalid chunker config")

// Chunk is one bounded text segment of a single document version.
type Chunk struct {
	Text string `json:"text"`
	// Ordinal is the 0-based position among kept chunks.
	Ordinal int `json:"ordinal"`
	// Page is the 1-based source page, when the extractor knows it.
	Page      *int `json:"page,omitempty"`
	CharCount int  `json:"char_count"`
}

// Config controls segmentation.
type Config struct {
	Size          int
	Overlap       int
	MinChunkChars int
	Separators    []string
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Size == 0 {
		c.Size = 800
	}
	if c.Overlap == 0 {
		c.Overlap = 100
	}
	if c.MinChunkChars == 0 {
		c.MinChunkChars = 50
	}
	if len(c.Separators) == 0 {
		c.Separators = DefaultSeparators
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidConfig, c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidConfig, c.Size, c.Overlap)
	}
	if c.MinChunkChars < 0 || c.MinChunkChars >= c.Size {
		return fmt.Errorf("%w: min chunk chars must be in [0, %d), got %d", ErrInvalidConfig, c.Size, c.MinChunkChars)
	}
	return nil
}

// Chunker is safe for concurrent use; it holds no mutable state.
type Chunker struct {
	cfg      Config
	splitter textsplitter.RecursiveCharacter
}

// New creates a Chunker. A nil config uses defaults.
func New(cfg *Config) (*Chunker, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &Chunker{
		cfg: c,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(c.Size),
			textsplitter.WithChunkOverlap(c.Overlap),
			textsplitter.WithSeparators(c.Separators),
		),
	}, nil
}

// Chunk splits text into chunks. Text with nothing left after trimming
// yields an empty slice; callers treat that as no indexable content.
func (c *Chunker) Chunk(text string) []Chunk {
	return c.appendChunks(nil, text, nil)
}

// ChunkPages splits each page separately so every chunk carries its page
// number. Ordinals run across pages.
func (c *Chunker) ChunkPages(pages []string) []Chunk {
	var out []Chunk
	for i, page := range pages {
		n := i + 1
		out = c.appendChunks(out, page, &n)
	}
	return out
}

func (c *Chunker) appendChunks(out []Chunk, text string, page *int) []Chunk {
	if strings.TrimSpace(text) == "" {
		return out
	}

	// The recursive splitter only fails on length-function errors, which
	// cannot happen with the default rune counter.
	pieces, err := c.splitter.SplitText(text)
	if err != nil {
		pieces = []string{text}
	}

	for _, p := range pieces {
		p = collapseWhitespace(p)
		n := utf8.RuneCountInString(p)
		if n <= c.cfg.MinChunkChars {
			continue
		}
		ch := Chunk{Text: p, Ordinal: len(out), CharCount: n}
		if page != nil {
			pg := *page
			ch.Page = &pg
		}
		out = append(out, ch)
	}
	return out
}

// collapseWhitespace joins all whitespace runs into single spaces and trims.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Config returns the effective configuration.
func (c *Chunker) Config() Config {
	return c.cfg
}
