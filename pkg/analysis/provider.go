package analysis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Reply is the raw text a model returned and the model that produced it.
type Reply struct {
	Text  string
	Model string
}

// Analyzer sends one prompt to a model backend.
type Analyzer interface {
	Complete(ctx context.Context, prompt string) (Reply, error)
}

// TransientError marks a backend failure worth retrying: timeouts, rate
// limits and server errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func transient(err error) error { return &TransientError{Err: err} }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func transientStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

// ProviderConfig selects and configures a backend.
type ProviderConfig struct {
	Provider string // "openai", "anthropic" or "gemini"
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

// NewAnalyzer builds the configured backend.
func NewAnalyzer(ctx context.Context, cfg ProviderConfig) (Analyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("analysis provider %s: api key is required", cfg.Provider)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAI(cfg.Model, cfg.APIKey, cfg.BaseURL, cfg.Timeout), nil
	case "anthropic":
		return NewAnthropic(cfg.Model, cfg.APIKey, cfg.Timeout), nil
	case "gemini":
		return NewGemini(ctx, cfg.Model, cfg.APIKey)
	}
	return nil, fmt.Errorf("unknown analysis provider %q", cfg.Provider)
}
