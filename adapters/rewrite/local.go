// Package rewrite provides the free local substitute for the remote
// capability. The transform is deterministic: the same input always produces
// the same output, which keeps degraded-mode behavior testable.
package rewrite

import (
	"context"
	"strings"
	"unicode"

	"github.com/textgate/textgate/domain/usage"
	"github.com/textgate/textgate/ports"
)

// Local is a rule-based text cleaner used while the remote capability is
// bypassed.
type Local struct{}

// New creates the local rewriter.
func New() *Local {
	return &Local{}
}

// Improve applies deterministic cleanup rules: collapse runs of whitespace,
// capitalize sentence starts, and ensure terminal punctuation.
func (l *Local) Improve(ctx context.Context, req ports.RewriteRequest) (ports.RewriteResult, error) {
	text := clean(req.Text)
	return ports.RewriteResult{
		Text:   text,
		Origin: usage.OriginLocal,
	}, nil
}

func clean(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}

	text = strings.Join(strings.Fields(text), " ")

	var b strings.Builder
	b.Grow(len(text) + 1)
	capitalizeNext := true
	for _, r := range text {
		if capitalizeNext && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
			capitalizeNext = false
			continue
		}
		switch r {
		case '.', '!', '?':
			capitalizeNext = true
		}
		b.WriteRune(r)
	}

	out := b.String()
	switch out[len(out)-1] {
	case '.', '!', '?', ':', ';':
	default:
		out += "."
	}
	return out
}

// Ensure interface compliance.
var _ ports.Rewriter = (*Local)(nil)
