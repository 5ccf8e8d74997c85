package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// Generator produces an answer from a system and user prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
	// Model names the backing model, reported with every generated answer.
	Model() string
}

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	// BaseURL of the API, e.g. https://api.groq.com/openai/v1.
	BaseURL     string
	Model       string
	APIKey      string `json:"-"`
	Temperature float64
}

// Validate validates the configuration.
func (c OpenAIConfig) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base URL is required"))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("API key is required"))
	}
	return errors.Join(errs...)
}

// contentGenerator is the part of llms.Model used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// OpenAIGenerator calls a chat completion endpoint through langchaingo.
type OpenAIGenerator struct {
	llm         contentGenerator
	model       string
	temperature float64
}

// NewOpenAIGenerator creates a generator. It does not contact the server.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid generation config: %w", err)
	}
	llm, err := openai.New(
		openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")),
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
		openai.WithHTTPClient(&statusDoer{client: http.DefaultClient}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &OpenAIGenerator{llm: llm, model: cfg.Model, temperature: cfg.Temperature}, nil
}

// Generate sends one system and one human message.
func (g *OpenAIGenerator) Generate(ctx context.Context, system, user string) (string, error) {
	resp, err := g.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, user),
	}, llms.WithTemperature(g.temperature))
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	return resp.Choices[0].Content, nil
}

// Model returns the configured model name.
func (g *OpenAIGenerator) Model() string { return g.model }

// StatusError is a non-200 reply from the chat endpoint.
type StatusError struct {
	StatusCode int
	// Message is the provider's error message, when it sent one.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat endpoint returned status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("chat endpoint returned status code: %d: %s", e.StatusCode, e.Message)
}

// statusDoer turns non-200 responses into *StatusError before langchaingo
// flattens them into a string. The client returns Do errors unwrapped.
type statusDoer struct {
	client *http.Client
}

func (d *statusDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.client.Do(req)
	if err != nil || resp.StatusCode == http.StatusOK {
		return resp, err
	}
	defer resp.Body.Close()

	se := &StatusError{StatusCode: resp.StatusCode}
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body) == nil {
		se.Message = body.Error.Message
	}
	return nil, se
}
