// Package generate turns a free-text labor-law question into an answer
// using an external inference server. It owns prompt construction, the
// sampling presets, output cleanup and the lazily loaded model handle.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/colonylab/codetravail-bot/internal/config"
	"github.com/colonylab/codetravail-bot/internal/httpkit"
)

// Completion is the raw result of one generation call.
type Completion struct {
	Text         string
	PromptTokens int
	OutputTokens int
}

// Backend is an inference server able to load a model and complete a
// raw prompt. Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend kind in logs ("ollama", "tgi").
	Name() string
	// Ping checks that the server answers at all.
	Ping(ctx context.Context) error
	// Load makes model resident on the server.
	Load(ctx context.Context, model string) error
	// Generate completes prompt with model.
	Generate(ctx context.Context, model, prompt string, p Params) (Completion, error)
}

// ErrLoading is returned by [Model.EnsureLoaded] while another caller is
// loading the model.
var ErrLoading = errors.New("model is loading")

// ErrNotLoaded is returned by [Model.Generate] before a successful load.
var ErrNotLoaded = errors.New("model not loaded")

// LoadError reports that the inference backend could not load the
// model (nor the fallback base model, when one is configured).
type LoadError struct {
	Model string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Model, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// GenerationError reports a failure during a single generation call.
type GenerationError struct {
	Backend string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation: %v", e.Backend, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// NewBackend builds the backend selected by the model configuration.
func NewBackend(cfg config.ModelConfig, logger *slog.Logger) (Backend, error) {
	// Generation on CPU runs for minutes; only headers and dials are
	// bounded.
	client := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithRetry(3, 2*time.Second),
		httpkit.WithLogger(logger),
	)
	switch cfg.Backend {
	case config.BackendOllama:
		return NewOllamaBackend(cfg.URL, cfg.Device, cfg.MaxLength, client, logger), nil
	case config.BackendTGI:
		return NewTGIBackend(cfg.URL, cfg.HFToken, client, logger), nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
	}
}
