package store

import "strings"

// Bounded lengths for free-text request and response fields.
const (
	MaxRawTextLen   = 2000
	MaxSubjectLen   = 200
	MaxBodyLen      = 10000
	MaxRecipientLen = 254
)

// sanitizeText strips control sequences (keeping newlines and tabs) and clamps
// the result to max runes.
func sanitizeText(in string, max int) string {
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	runes := []rune(out)
	if len(runes) > max {
		return string(runes[:max])
	}
	return out
}

// sanitizeLine is sanitizeText for single-line fields.
func sanitizeLine(in string, max int) string {
	return sanitizeText(strings.ReplaceAll(strings.ReplaceAll(in, "\n", " "), "\t", " "), max)
}
