package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GenAIClient talks to Google's Gemini API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a GenAI chat client.
func NewGenAIClient(apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIClient{client: client, model: model}, nil
}

// Complete returns the full completion for a prompt.
func (c *GenAIClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	result, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		c.generateConfig(system))
	if err != nil {
		return "", fmt.Errorf("GenAI completion failed: %w", err)
	}
	return strings.TrimSpace(result.Text()), nil
}

// Stream emits completion deltas as the model produces them.
func (c *GenAIClient) Stream(ctx context.Context, system, prompt string) (<-chan string, <-chan error) {
	deltas := make(chan string, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model,
			[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
			c.generateConfig(system)) {
			if err != nil {
				errs <- fmt.Errorf("GenAI stream failed: %w", err)
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case deltas <- text:
			case <-ctx.Done():
				return
			}
		}
	}()

	return deltas, errs
}

func (c *GenAIClient) generateConfig(system string) *genai.GenerateContentConfig {
	if system == "" {
		return nil
	}
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	}
}

func (c *GenAIClient) Name() string { return "genai/" + c.model }
