package generate

import (
	"strings"
	"unicode/utf8"

	"github.com/colonylab/codetravail-bot/internal/config"
)

// PromptStyle selects how much instruction text wraps the question.
type PromptStyle int

const (
	// PromptPlain wraps the bare question in Mistral instruction
	// markers.
	PromptPlain PromptStyle = iota
	// PromptExpert prepends the labor-law expert persona and asks for
	// a structured answer citing articles.
	PromptExpert
)

const expertInstruction = "Vous êtes un expert juridique spécialisé dans le Code du Travail français. \n" +
	"Répondez de manière complète, précise et détaillée à la question suivante. \n" +
	"Structurez votre réponse avec des sections claires et citez les articles pertinents du Code du Travail si applicable.\n" +
	"\n" +
	"Question: "

// charsPerToken approximates the Mistral tokenizer on French prose.
const charsPerToken = 4

func (s PromptStyle) String() string {
	switch s {
	case PromptPlain:
		return "plain"
	case PromptExpert:
		return "expert"
	default:
		return "unknown"
	}
}

// PromptStyleFor returns the prompt style used by a mail profile. The
// generic profile keeps the bare prompt; the hosted profiles use the
// expert persona.
func PromptStyleFor(profile string) PromptStyle {
	if profile == config.ProfileGeneric {
		return PromptPlain
	}
	return PromptExpert
}

func (s PromptStyle) wrap(question string) string {
	if s == PromptExpert {
		return "<s>[INST] " + expertInstruction + question + " [/INST]"
	}
	return "<s>[INST] " + question + " [/INST]"
}

// BuildPrompt trims the question, truncates it so the whole prompt fits
// maxInputTokens (zero means no limit) and wraps it in the style's
// template. The closing [/INST] marker is always kept.
func BuildPrompt(style PromptStyle, question string, maxInputTokens int) string {
	question = strings.TrimSpace(question)
	if maxInputTokens > 0 {
		overhead := EstimateTokens(style.wrap(""))
		question = TruncateTokens(question, max(maxInputTokens-overhead, 1))
	}
	return style.wrap(question)
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}

// TruncateTokens cuts s to roughly n tokens on a rune boundary.
func TruncateTokens(s string, n int) string {
	if n <= 0 {
		return s
	}
	limit := n * charsPerToken
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	i := 0
	for pos := range s {
		if i == limit {
			return strings.TrimSpace(s[:pos])
		}
		i++
	}
	return s
}
