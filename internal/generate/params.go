package generate

import "github.com/colonylab/codetravail-bot/internal/config"

// Params are the sampling settings for one generation call. Backends
// map the fields they support and ignore the rest.
type Params struct {
	MaxNewTokens      int
	Temperature       float64
	TopP              float64
	TopK              int
	RepetitionPenalty float64
	DoSample          bool

	// NoRepeatNgramSize and EarlyStopping come from the mail bots'
	// beam settings. Neither inference server exposes them.
	NoRepeatNgramSize int
	EarlyStopping     bool

	// MaxInputTokens is the prompt budget. Zero means unlimited.
	MaxInputTokens int

	// Seed fixes the sampler when non-nil.
	Seed *int64
}

// ChatParams returns the Telegram preset. On CPU the answer length is
// halved to keep response times bearable.
func ChatParams(device string, maxLength int, seed *int64) Params {
	p := Params{
		MaxNewTokens:      512,
		Temperature:       0.7,
		TopP:              0.9,
		TopK:              50,
		RepetitionPenalty: 1.1,
		DoSample:          true,
		MaxInputTokens:    maxLength / 2,
		Seed:              seed,
	}
	if device == "cpu" {
		p.MaxNewTokens = 256
	}
	return p
}

// MailParams returns the mail preset built from operator settings.
func MailParams(g config.GenerationConfig, maxLength int, seed *int64) Params {
	return Params{
		MaxNewTokens:      g.MaxTokens,
		Temperature:       g.Temperature,
		TopP:              g.TopP,
		TopK:              g.TopK,
		RepetitionPenalty: g.RepetitionPenalty,
		DoSample:          true,
		NoRepeatNgramSize: 3,
		EarlyStopping:     true,
		MaxInputTokens:    maxLength,
		Seed:              seed,
	}
}
