// Package normalize reduces raw questions to the canonical forms used as cache keys.
package normalize

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
)

// GistExtractor produces a short canonical paraphrase of a question.
type GistExtractor interface {
	Gist(ctx context.Context, question string) (string, error)
}

// Forms are the representations of one submitted question.
type Forms struct {
	Verbatim   string // as submitted, salutations included
	Stripped   string // leading salutations removed
	Normalized string
	Gist       string
}

var contractions = map[string]string{
	"what's":  "what is",
	"where's": "where is",
	"who's":   "who is",
	"how's":   "how is",
	"when's":  "when is",
	"it's":    "it is",
	"that's":  "that is",
	"there's": "there is",
	"i'm":     "i am",
	"you're":  "you are",
	"we're":   "we are",
	"they're": "they are",
	"isn't":   "is not",
	"aren't":  "are not",
	"don't":   "do not",
	"doesn't": "does not",
	"didn't":  "did not",
	"can't":   "cannot",
	"won't":   "will not",
	"i'll":    "i will",
	"you'll":  "you will",
	"i've":    "i have",
	"let's":   "let us",
}

// Normalize lowercases, expands contractions, drops punctuation that carries
// no meaning for matching and collapses whitespace.
func Normalize(question string) string {
	lower := strings.ToLower(strings.TrimSpace(question))
	lower = strings.NewReplacer("’", "'", "‘", "'").Replace(lower)

	words := strings.Fields(lower)
	for i, w := range words {
		bare := strings.TrimFunc(w, func(r rune) bool { return unicode.IsPunct(r) && r != '\'' })
		if expanded, ok := contractions[bare]; ok {
			words[i] = strings.Replace(w, bare, expanded, 1)
		}
	}
	lower = strings.Join(words, " ")

	var b strings.Builder
	runes := []rune(lower)
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case strings.ContainsRune("+*/=%^", r):
			b.WriteRune(r)
		case r == '-' || r == '.':
			// keep signs and decimal points inside numbers
			if i+1 < len(runes) && unicode.IsDigit(runes[i+1]) {
				b.WriteRune(r)
			} else {
				b.WriteRune(' ')
			}
		case r == '\'':
			// possessives and leftover apostrophes are dropped
		default:
			b.WriteRune(' ')
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// StripSalutations removes any run of leading salutation words or phrases.
// The question is returned unchanged if nothing would remain.
func StripSalutations(question string, salutations []string) string {
	rest := strings.TrimSpace(question)
	for {
		lower := strings.ToLower(rest)
		cut := false
		for _, s := range salutations {
			if s == "" || !strings.HasPrefix(lower, s) {
				continue
			}
			tail := rest[len(s):]
			if tail != "" {
				r := []rune(tail)[0]
				if unicode.IsLetter(r) || unicode.IsDigit(r) {
					continue
				}
			}
			rest = strings.TrimLeftFunc(tail, func(r rune) bool {
				return unicode.IsSpace(r) || unicode.IsPunct(r)
			})
			cut = true
			break
		}
		if !cut || rest == "" {
			break
		}
	}
	if rest == "" {
		return strings.TrimSpace(question)
	}
	return rest
}

// Normalizer computes Forms. Gist extraction degrades to the normalized form
// when disabled or when the extractor fails.
type Normalizer struct {
	salutations []string
	gist        GistExtractor
	gistEnabled bool
	logger      *slog.Logger
}

func NewNormalizer(salutations []string, gist GistExtractor, gistEnabled bool) *Normalizer {
	lowered := make([]string, 0, len(salutations))
	for _, s := range salutations {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			lowered = append(lowered, s)
		}
	}
	return &Normalizer{
		salutations: lowered,
		gist:        gist,
		gistEnabled: gistEnabled && gist != nil,
		logger:      slog.Default(),
	}
}

func (n *Normalizer) Forms(ctx context.Context, question string) Forms {
	f := Forms{Verbatim: strings.TrimSpace(question)}
	f.Stripped = StripSalutations(f.Verbatim, n.salutations)
	f.Normalized = Normalize(f.Stripped)
	f.Gist = f.Normalized

	if !n.gistEnabled {
		return f
	}

	gist, err := n.gist.Gist(ctx, f.Stripped)
	if err != nil {
		n.logger.Warn("gist extraction failed, using normalized question", "error", err)
		return f
	}
	if g := Normalize(gist); g != "" {
		f.Gist = g
	}
	return f
}
