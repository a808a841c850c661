package llm_client

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Backend    string
	Model      string
	OllamaHost string
}

// Provider is the completion service contract: a stateless request/response
// call, optionally constrained to a JSON schema. Any failure is a
// *ServiceError and callers treat it as retryable once before degrading.
type Provider interface {
	// Complete returns free text.
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteJSON returns strict JSON constrained to schema when the
	// backend supports it; schema may be nil for best-effort JSON.
	CompleteJSON(ctx context.Context, prompt string, schema any) (string, error)
	Model() string
}

// ServiceError wraps completion failures (timeouts, quota, malformed output).
type ServiceError struct {
	Backend string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("completion service (%s): %v", e.Backend, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

var ErrNotInitialized = errors.New("llm client not initialized")

// New selects a backend from the config. Default is gemini.
func New(cfg Config) (Provider, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "gemini"
	}
	switch backend {
	case "gemini":
		return newGeminiProvider(cfg)
	case "ollama":
		return newOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM backend: %s", cfg.Backend)
	}
}

// JSONCompleter is the structured-output slice of Provider; consumers that
// only need schema-constrained calls depend on this.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, prompt string, schema any) (string, error)
}

// CompleteJSONRetry retries a failed structured call exactly once. Callers
// degrade on the second failure instead of propagating further.
func CompleteJSONRetry(ctx context.Context, p JSONCompleter, prompt string, schema any) (string, error) {
	out, err := p.CompleteJSON(ctx, prompt, schema)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return "", err
	}
	return p.CompleteJSON(ctx, prompt, schema)
}

// StripFences removes markdown code fences some models wrap around JSON.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
