package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/colonylab/codetravail-bot/internal/metrics"
)

// User-facing messages returned in place of an answer.
const (
	LoadingMessage   = "🔄 Le modèle est en cours de chargement, veuillez patienter quelques instants..."
	NotLoadedMessage = "❌ Le modèle n'est pas encore chargé."
	generationFailed = "❌ Erreur lors de la génération de la réponse: %v"
)

type requestIDKey struct{}

// WithRequestID tags ctx with the id of the question being answered so
// generation logs can be correlated with the channel logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by [WithRequestID], or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Answerer turns questions into cleaned answers for one channel.
type Answerer struct {
	Model  *Model
	Style  PromptStyle
	Params Params
	// Channel labels metrics and logs ("telegram", "email").
	Channel string
	Logger  *slog.Logger
	// OnAnswer, when set, is called after each successful generation.
	OnAnswer func(channel string, outputTokens int)
}

// Answer never fails: load and generation errors are logged and turned
// into a French message the requester can read.
func (a *Answerer) Answer(ctx context.Context, question string) string {
	answer, err := a.TryAnswer(ctx, question)
	if err == nil {
		return answer
	}

	var loadErr *LoadError
	switch {
	case errors.Is(err, ErrLoading):
		return LoadingMessage
	case errors.As(err, &loadErr), errors.Is(err, ErrNotLoaded):
		return NotLoadedMessage
	default:
		return fmt.Sprintf(generationFailed, err)
	}
}

// TryAnswer is Answer with the error exposed. It loads the model on
// first use.
func (a *Answerer) TryAnswer(ctx context.Context, question string) (string, error) {
	logger := a.logger().With("channel", a.Channel)
	if id := RequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}

	if err := a.Model.EnsureLoaded(ctx); err != nil {
		if !errors.Is(err, ErrLoading) {
			logger.Error("model unavailable", "error", err)
		}
		return "", err
	}

	prompt := BuildPrompt(a.Style, question, a.Params.MaxInputTokens)
	logger.Debug("generating answer",
		"question_chars", len([]rune(question)),
		"prompt_tokens_est", EstimateTokens(prompt),
		"max_new_tokens", a.Params.MaxNewTokens,
		"style", a.Style,
	)

	start := time.Now()
	c, err := a.Model.Generate(ctx, prompt, a.Params)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordGeneration(a.Channel, "error", elapsed, 0)
		logger.Error("generation failed", "error", err, "elapsed", elapsed.Round(time.Millisecond))
		return "", err
	}
	metrics.RecordGeneration(a.Channel, "ok", elapsed, c.OutputTokens)
	if a.OnAnswer != nil {
		a.OnAnswer(a.Channel, c.OutputTokens)
	}

	answer := Clean(c.Text)
	if answer == "" {
		logger.Warn("model returned an empty answer, using fallback")
		answer = FallbackAnswer
	}
	logger.Info("answer generated",
		"elapsed", elapsed.Round(time.Millisecond),
		"output_tokens", c.OutputTokens,
		"answer_chars", len([]rune(answer)),
	)
	return answer, nil
}

func (a *Answerer) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
