// Package reply formats generated answers into the mail body sent back
// to the person who asked.
package reply

import (
	"strings"
	"time"
)

// Style selects the layout of the reply body.
type Style int

const (
	// StyleStandard is the layout of the generic and mailserver bots.
	StyleStandard Style = iota
	// StyleProton frames the footer with a non-liability banner and
	// stamps the reply as automated.
	StyleProton
)

const (
	greeting     = "Bonjour,\n\n"
	introduction = "Merci pour votre question concernant le Code du Travail français. " +
		"Voici ma réponse basée sur ma connaissance spécialisée du droit du travail :\n\n"
	answerHeading = "📋 **Réponse détaillée :**\n\n"

	protonIntroduction = "Merci pour votre question concernant le Code du Travail français. " +
		"Voici ma réponse détaillée basée sur ma connaissance du droit du travail :\n\n"
	protonAdvice = "Pour toute question urgente ou complexe, nous vous recommandons " +
		"de consulter directement un professionnel du droit."
	protonNotice = "Email automatique - Ne pas répondre directement à ce message"
)

var rule = strings.Repeat("=", 60)

// Formatter builds reply bodies. The zero value formats with an empty
// signature and disclaimer; set both from configuration.
type Formatter struct {
	Signature  string
	Disclaimer string
	Style      Style
	// Now stamps [StyleProton] replies. Nil means time.Now.
	Now func() time.Time
}

// Format wraps answer with the greeting, the disclaimer footer and the
// signature. The question is accepted for symmetry with the channel
// call sites and is not quoted back. Copies of the disclaimer or the
// signature echoed by the model are dropped so each appears once.
func (f Formatter) Format(question, answer string) string {
	answer = f.scrub(answer)

	var b strings.Builder
	b.WriteString(greeting)
	switch f.Style {
	case StyleProton:
		b.WriteString(protonIntroduction)
		b.WriteString(answer)
		b.WriteString("\n\n" + rule + "\n")
		b.WriteString("⚠️  CLAUSE DE NON-RESPONSABILITÉ\n\n")
		b.WriteString(f.Disclaimer + "\n\n")
		b.WriteString(protonAdvice + "\n\n")
		b.WriteString("Cordialement,\n")
		b.WriteString(f.Signature + "\n")
		b.WriteString(rule + "\n")
		b.WriteString(protonNotice + "\n")
		b.WriteString("Généré le " + f.now().Format("02/01/2006 à 15:04"))
	default:
		b.WriteString(introduction)
		b.WriteString(answerHeading)
		b.WriteString(answer)
		b.WriteString("\n\n---\n\n")
		b.WriteString("⚠️ **Avertissement :** " + f.Disclaimer + "\n\n")
		b.WriteString("Cordialement,\n")
		b.WriteString(f.Signature)
	}
	return b.String()
}

func (f Formatter) scrub(answer string) string {
	for _, s := range []string{f.Disclaimer, f.Signature} {
		if s != "" {
			answer = strings.ReplaceAll(answer, s, "")
		}
	}
	return strings.TrimSpace(answer)
}

func (f Formatter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Subject returns the reply subject: "Re: " followed by the original,
// unless the original already starts with a Re: prefix in any case.
func Subject(original string) string {
	original = strings.TrimSpace(original)
	if len(original) >= 3 && strings.EqualFold(original[:3], "re:") {
		return original
	}
	if original == "" {
		return "Re: Votre question sur le Code du Travail"
	}
	return "Re: " + original
}
