package llm_client

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

type geminiProvider struct {
	client *genai.Client
	model  string
}

const geminiDefault = "gemini-2.0-flash"

func newGeminiProvider(cfg Config) (*geminiProvider, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}
	c, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client init: %w", err)
	}
	model := geminiDefault
	if m := strings.TrimSpace(cfg.Model); m != "" && strings.HasPrefix(strings.ToLower(m), "gemini-") {
		model = m
	}
	return &geminiProvider{client: c, model: model}, nil
}

func (p *geminiProvider) Model() string { return p.model }

func (p *geminiProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if p.client == nil {
		return "", ErrNotInitialized
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), nil)
	if err != nil {
		return "", &ServiceError{Backend: "gemini", Err: err}
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &ServiceError{Backend: "gemini", Err: fmt.Errorf("empty response")}
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

func (p *geminiProvider) CompleteJSON(ctx context.Context, prompt string, schema any) (string, error) {
	if p.client == nil {
		return "", ErrNotInitialized
	}
	cfg := &genai.GenerateContentConfig{
		// Force JSON output in candidates
		ResponseMIMEType: "application/json",
	}
	if schema != nil {
		cfg.ResponseJsonSchema = schema
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", &ServiceError{Backend: "gemini", Err: err}
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &ServiceError{Backend: "gemini", Err: fmt.Errorf("empty json response")}
	}
	return StripFences(resp.Candidates[0].Content.Parts[0].Text), nil
}
