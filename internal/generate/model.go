package generate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type loadState int

const (
	stateUnloaded loadState = iota
	stateLoading
	stateLoaded
)

// Model is the lazily loaded handle to one model on a [Backend]. Each
// channel worker owns its own handle. The load runs at most once at a
// time; a failed load leaves the handle unloaded so a later call may
// try again.
type Model struct {
	backend   Backend
	name      string
	baseModel string
	logger    *slog.Logger

	mu     sync.Mutex
	state  loadState
	active string
	// onChange is notified after every state transition.
	onChange func(loaded bool)
}

// ModelConfig configures a [Model].
type ModelConfig struct {
	Backend Backend
	// Name is the fine-tuned model to load.
	Name string
	// BaseModel is tried when Name fails to load. Optional.
	BaseModel string
	Logger    *slog.Logger
	// OnChange, when set, is called with the loaded flag after each
	// load attempt.
	OnChange func(loaded bool)
}

// NewModel creates an unloaded handle.
func NewModel(cfg ModelConfig) *Model {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		backend:   cfg.Backend,
		name:      cfg.Name,
		baseModel: cfg.BaseModel,
		logger:    logger,
		onChange:  cfg.OnChange,
	}
}

// Name returns the configured model name.
func (m *Model) Name() string { return m.name }

// Backend returns the backend the handle generates with.
func (m *Model) Backend() Backend { return m.backend }

// Loading reports whether a load is in progress.
func (m *Model) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateLoading
}

// Loaded reports whether the model is ready for generation.
func (m *Model) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateLoaded
}

// Active returns the model actually loaded, which is the base model
// after a fallback, or "" when unloaded.
func (m *Model) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// FineTuned reports whether the fine-tuned model (not the fallback) is
// loaded.
func (m *Model) FineTuned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateLoaded && m.active == m.name
}

// EnsureLoaded loads the model if needed. It returns nil when the model
// is ready, [ErrLoading] when another caller is loading it, and a
// *[LoadError] when loading failed.
func (m *Model) EnsureLoaded(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case stateLoaded:
		m.mu.Unlock()
		return nil
	case stateLoading:
		m.mu.Unlock()
		return ErrLoading
	}
	m.state = stateLoading
	m.mu.Unlock()

	start := time.Now()
	m.logger.Info("loading model", "model", m.name, "backend", m.backend.Name())
	active, err := m.load(ctx)

	m.mu.Lock()
	if err != nil {
		m.state = stateUnloaded
	} else {
		m.state = stateLoaded
		m.active = active
	}
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(err == nil)
	}
	if err != nil {
		m.logger.Error("model load failed", "model", m.name, "error", err)
		return err
	}
	m.logger.Info("model loaded",
		"model", active,
		"fine_tuned", active == m.name,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func (m *Model) load(ctx context.Context) (string, error) {
	err := m.backend.Load(ctx, m.name)
	if err == nil {
		return m.name, nil
	}
	if m.baseModel == "" || m.baseModel == m.name || ctx.Err() != nil {
		return "", &LoadError{Model: m.name, Err: err}
	}

	m.logger.Warn("fine-tuned model failed to load, falling back to base model",
		"model", m.name,
		"base_model", m.baseModel,
		"error", err,
	)
	if baseErr := m.backend.Load(ctx, m.baseModel); baseErr != nil {
		return "", &LoadError{Model: m.name, Err: errors.Join(err, baseErr)}
	}
	return m.baseModel, nil
}

// Generate completes prompt with the loaded model. It does not trigger
// a load.
func (m *Model) Generate(ctx context.Context, prompt string, p Params) (Completion, error) {
	m.mu.Lock()
	loaded, active := m.state == stateLoaded, m.active
	m.mu.Unlock()
	if !loaded {
		return Completion{}, ErrNotLoaded
	}
	c, err := m.backend.Generate(ctx, active, prompt, p)
	if err != nil {
		return Completion{}, &GenerationError{Backend: m.backend.Name(), Err: err}
	}
	return c, nil
}
