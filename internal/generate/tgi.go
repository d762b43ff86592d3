package generate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/colonylab/codetravail-bot/internal/httpkit"
)

// TGIBackend talks to a Hugging Face text-generation-inference server.
// The server hosts a single model chosen at its own startup, so Load
// only verifies that it is healthy and reports which model it serves.
type TGIBackend struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewTGIBackend creates a backend for the server at baseURL. A non-empty
// token is sent as a bearer credential, as Inference Endpoints require.
func NewTGIBackend(baseURL, token string, client *http.Client, logger *slog.Logger) *TGIBackend {
	return &TGIBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		logger:  logger,
	}
}

// Name implements [Backend].
func (b *TGIBackend) Name() string { return "tgi" }

func (b *TGIBackend) header() http.Header {
	if b.token == "" {
		return nil
	}
	return http.Header{"Authorization": {"Bearer " + b.token}}
}

// Ping implements [Backend].
func (b *TGIBackend) Ping(ctx context.Context) error {
	return httpkit.DoJSON(ctx, b.client, http.MethodGet, b.baseURL+"/health", b.header(), nil, nil)
}

type tgiInfo struct {
	ModelID         string `json:"model_id"`
	MaxInputTokens  int    `json:"max_input_tokens"`
	MaxTotalTokens  int    `json:"max_total_tokens"`
	ModelDeviceType string `json:"model_device_type"`
}

// Load implements [Backend].
func (b *TGIBackend) Load(ctx context.Context, model string) error {
	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	var info tgiInfo
	if err := httpkit.DoJSON(ctx, b.client, http.MethodGet, b.baseURL+"/info", b.header(), nil, &info); err != nil {
		return fmt.Errorf("info: %w", err)
	}
	if info.ModelID != "" && info.ModelID != model {
		b.logger.Warn("inference server hosts a different model",
			"configured", model,
			"served", info.ModelID,
		)
	}
	b.logger.Info("inference server ready",
		"model_id", info.ModelID,
		"device", info.ModelDeviceType,
		"max_input_tokens", info.MaxInputTokens,
	)
	return nil
}

type tgiParameters struct {
	DoSample          bool     `json:"do_sample"`
	MaxNewTokens      int      `json:"max_new_tokens"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	Truncate          *int     `json:"truncate,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	ReturnFullText    bool     `json:"return_full_text"`
	Stop              []string `json:"stop,omitempty"`
	Details           bool     `json:"details"`
}

type tgiRequest struct {
	Inputs     string        `json:"inputs"`
	Parameters tgiParameters `json:"parameters"`
}

type tgiResponse struct {
	GeneratedText string `json:"generated_text"`
	Details       *struct {
		FinishReason    string `json:"finish_reason"`
		GeneratedTokens int    `json:"generated_tokens"`
	} `json:"details,omitempty"`
}

func ptr[T any](v T) *T { return &v }

func tgiParams(p Params) tgiParameters {
	tp := tgiParameters{
		DoSample:       p.DoSample,
		MaxNewTokens:   p.MaxNewTokens,
		Seed:           p.Seed,
		ReturnFullText: false,
		Stop:           []string{"</s>"},
		Details:        true,
	}
	// TGI rejects values outside its open intervals, so out-of-range
	// settings are left to the server defaults.
	if p.DoSample && p.Temperature > 0 {
		tp.Temperature = ptr(p.Temperature)
	}
	if p.TopP > 0 && p.TopP < 1 {
		tp.TopP = ptr(p.TopP)
	}
	if p.TopK > 0 {
		tp.TopK = ptr(p.TopK)
	}
	if p.RepetitionPenalty > 0 {
		tp.RepetitionPenalty = ptr(p.RepetitionPenalty)
	}
	if p.MaxInputTokens > 0 {
		tp.Truncate = ptr(p.MaxInputTokens)
	}
	return tp
}

// Generate implements [Backend]. The model argument is informational;
// TGI always answers with the model it was started with.
func (b *TGIBackend) Generate(ctx context.Context, model, prompt string, p Params) (Completion, error) {
	req := tgiRequest{Inputs: prompt, Parameters: tgiParams(p)}
	var resp tgiResponse
	if err := httpkit.DoJSON(ctx, b.client, http.MethodPost, b.baseURL+"/generate", b.header(), req, &resp); err != nil {
		return Completion{}, err
	}
	c := Completion{Text: resp.GeneratedText}
	if resp.Details != nil {
		c.OutputTokens = resp.Details.GeneratedTokens
	}
	return c, nil
}
