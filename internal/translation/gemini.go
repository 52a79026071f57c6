package translation

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const DefaultModel = "gemini-2.5-flash"

// Generator produces a rewritten variant of the input text following a
// system instruction. Implementations must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, systemInstruction, input string) (string, error)
}

// GenerationError indicates that the remote rewrite call failed or
// returned unusable output. Callers treat it as terminal for the message
// attempt; nothing is persisted.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation failed: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("generation failed: %s", e.Reason)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// GeminiClient adapts the Gemini API to the Generator interface.
type GeminiClient struct {
	client *genai.Client
	model  string
	log    *log.Logger
}

func NewGeminiClient(ctx context.Context, apiKey, model string, logger *log.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  model,
		log:    logger,
	}, nil
}

func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *GeminiClient) Generate(ctx context.Context, systemInstruction, input string) (string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemInstruction)},
	}

	resp, err := model.GenerateContent(ctx, genai.Text(input))
	if err != nil {
		return "", &GenerationError{Reason: "request failed", Err: err}
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &GenerationError{Reason: "empty response"}
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		} else {
			c.log.Printf("gemini response part was not text: %T", part)
		}
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", &GenerationError{Reason: "no text in response"}
	}

	return out, nil
}
