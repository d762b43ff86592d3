package generate

import (
	"regexp"
	"strings"
)

// FallbackAnswer replaces an empty model output.
const FallbackAnswer = "Je n'ai pas pu générer une réponse appropriée à votre question. " +
	"Pourriez-vous la reformuler ?"

var (
	instBlockRe  = regexp.MustCompile(`(?s)\[INST\].*?\[/INST\]`)
	blankLinesRe = regexp.MustCompile(`\n\s*\n\s*\n`)
)

func cleanOnce(text string) string {
	text = instBlockRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "<s>", "")
	text = strings.ReplaceAll(text, "</s>", "")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Clean strips echoed instruction blocks and sequence markers, collapses
// runs of three or more newlines to a single blank line and trims the
// result. Passes repeat until the text stops changing, so
// Clean(Clean(s)) == Clean(s).
func Clean(text string) string {
	for {
		next := cleanOnce(text)
		if next == text {
			return next
		}
		text = next
	}
}
