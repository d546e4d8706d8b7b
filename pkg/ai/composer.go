package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrGeneration wraps content-generation failures. The caller's request stays
// unsubmitted when composition fails.
var ErrGeneration = errors.New("generation failed")

// Composer produces a subject and body for an outgoing request from the
// user's free-text need and a tone hint.
type Composer interface {
	Compose(ctx context.Context, need, tone string) (subject, body string, err error)
}

const composerSystemPrompt = `You draft professional correspondence on behalf of the user.
Reply with the subject on the first line, prefixed "Subject: ", followed by a blank line and the message body.
Write in the language of the user's request. Keep the subject under 120 characters.`

// LetterComposer drives a TextGenerator and parses its output into a
// subject/body pair.
type LetterComposer struct {
	generator TextGenerator
}

// NewLetterComposer builds a composer over any text generator.
func NewLetterComposer(generator TextGenerator) *LetterComposer {
	return &LetterComposer{generator: generator}
}

// Compose generates a draft. May be slow; callers must never hold a store
// lock across this call.
func (c *LetterComposer) Compose(ctx context.Context, need, tone string) (string, string, error) {
	if strings.TrimSpace(need) == "" {
		return "", "", fmt.Errorf("%w: request context required", ErrGeneration)
	}
	prompt := "Draft a message for the following need: " + need
	if tone = strings.TrimSpace(tone); tone != "" {
		prompt += "\nTone: " + tone
	}
	text, err := c.generator.GenerateText(ctx, composerSystemPrompt, prompt)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	subject, body, ok := splitDraft(text)
	if !ok {
		return "", "", fmt.Errorf("%w: malformed draft", ErrGeneration)
	}
	return subject, body, nil
}

// splitDraft separates the "Subject:" first line from the body.
func splitDraft(text string) (string, string, bool) {
	lines := strings.SplitN(strings.TrimSpace(text), "\n", 2)
	subject := strings.TrimSpace(strings.TrimPrefix(lines[0], "Subject:"))
	if subject == "" {
		return "", "", false
	}
	body := ""
	if len(lines) == 2 {
		body = strings.TrimSpace(lines[1])
	}
	if body == "" {
		return "", "", false
	}
	return subject, body, true
}
