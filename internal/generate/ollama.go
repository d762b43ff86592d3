package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/colonylab/codetravail-bot/internal/httpkit"
)

// stopMarkers end generation when the model starts a new turn.
var stopMarkers = []string{"</s>", "[INST]"}

// OllamaBackend talks to an Ollama server in raw mode, so the Mistral
// instruction markers built by [BuildPrompt] reach the model verbatim.
type OllamaBackend struct {
	baseURL  string
	device   string
	numCtx   int
	client   *http.Client
	logger   *slog.Logger
	warnOnce sync.Once
}

// NewOllamaBackend creates a backend for the server at baseURL.
func NewOllamaBackend(baseURL, device string, numCtx int, client *http.Client, logger *slog.Logger) *OllamaBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		device:  device,
		numCtx:  numCtx,
		client:  client,
		logger:  logger,
	}
}

// Name implements [Backend].
func (b *OllamaBackend) Name() string { return "ollama" }

type ollamaGenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt,omitempty"`
	Raw       bool           `json:"raw,omitempty"`
	Stream    bool           `json:"stream"`
	KeepAlive int            `json:"keep_alive"`
	Options   map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
}

// Ping lists local models, which succeeds as soon as the server is up.
func (b *OllamaBackend) Ping(ctx context.Context) error {
	return httpkit.DoJSON(ctx, b.client, http.MethodGet, b.baseURL+"/api/tags", nil, nil, nil)
}

// Load pulls the model when the server does not have it, then issues an
// empty generate request so the weights become resident. keep_alive -1
// keeps them loaded for the life of the server.
func (b *OllamaBackend) Load(ctx context.Context, model string) error {
	err := httpkit.DoJSON(ctx, b.client, http.MethodPost, b.baseURL+"/api/show",
		nil, map[string]string{"model": model}, nil)
	var se *httpkit.StatusError
	switch {
	case errors.As(err, &se) && se.Code == http.StatusNotFound:
		b.logger.Info("model missing on server, pulling", "model", model)
		pull := map[string]any{"model": model, "stream": false}
		if err := httpkit.DoJSON(ctx, b.client, http.MethodPost, b.baseURL+"/api/pull", nil, pull, nil); err != nil {
			return fmt.Errorf("pull: %w", err)
		}
	case err != nil:
		return fmt.Errorf("show: %w", err)
	}

	req := ollamaGenerateRequest{
		Model:     model,
		KeepAlive: -1,
		Options:   b.baseOptions(),
	}
	if err := httpkit.DoJSON(ctx, b.client, http.MethodPost, b.baseURL+"/api/generate", nil, req, nil); err != nil {
		return fmt.Errorf("warm up: %w", err)
	}
	return nil
}

func (b *OllamaBackend) baseOptions() map[string]any {
	opts := map[string]any{}
	if b.numCtx > 0 {
		opts["num_ctx"] = b.numCtx
	}
	if b.device == "cpu" {
		opts["num_gpu"] = 0
	}
	return opts
}

func (b *OllamaBackend) options(p Params) map[string]any {
	opts := b.baseOptions()
	opts["num_predict"] = p.MaxNewTokens
	opts["top_p"] = p.TopP
	opts["top_k"] = p.TopK
	opts["repeat_penalty"] = p.RepetitionPenalty
	opts["stop"] = stopMarkers
	if p.DoSample {
		opts["temperature"] = p.Temperature
	} else {
		opts["temperature"] = 0
	}
	if p.Seed != nil {
		opts["seed"] = *p.Seed
	}
	if p.NoRepeatNgramSize > 0 || p.EarlyStopping {
		b.warnOnce.Do(func() {
			b.logger.Debug("ollama ignores n-gram ban and early stopping",
				"no_repeat_ngram_size", p.NoRepeatNgramSize,
				"early_stopping", p.EarlyStopping,
			)
		})
	}
	return opts
}

// Generate implements [Backend].
func (b *OllamaBackend) Generate(ctx context.Context, model, prompt string, p Params) (Completion, error) {
	req := ollamaGenerateRequest{
		Model:     model,
		Prompt:    prompt,
		Raw:       true,
		KeepAlive: -1,
		Options:   b.options(p),
	}
	var resp ollamaGenerateResponse
	if err := httpkit.DoJSON(ctx, b.client, http.MethodPost, b.baseURL+"/api/generate", nil, req, &resp); err != nil {
		return Completion{}, err
	}
	return Completion{
		Text:         resp.Response,
		PromptTokens: resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}, nil
}
