package rewrite

import (
	"context"
	"testing"

	"github.com/textgate/textgate/domain/usage"
	"github.com/textgate/textgate/ports"
)

func TestLocal_Improve(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapses whitespace", "hello    world", "Hello world."},
		{"trims and terminates", "  some draft text  ", "Some draft text."},
		{"capitalizes sentence starts", "first point. second point.", "First point. Second point."},
		{"keeps existing punctuation", "is this done?", "Is this done?"},
		{"newlines become spaces", "line one\nline two", "Line one line two."},
	}

	l := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := l.Improve(context.Background(), ports.RewriteRequest{Text: tt.in})
			if err != nil {
				t.Fatalf("Improve: %v", err)
			}
			if res.Text != tt.want {
				t.Errorf("Text = %q, want %q", res.Text, tt.want)
			}
			if res.Origin != usage.OriginLocal {
				t.Errorf("Origin = %s, want %s", res.Origin, usage.OriginLocal)
			}
			if res.PromptTokens != 0 || res.CompletionTokens != 0 {
				t.Error("local rewrite must report zero provider tokens")
			}
		})
	}
}

func TestLocal_Deterministic(t *testing.T) {
	l := New()
	req := ports.RewriteRequest{Text: "some  messy\n input. more  text"}

	first, _ := l.Improve(context.Background(), req)
	for i := 0; i < 5; i++ {
		res, _ := l.Improve(context.Background(), req)
		if res.Text != first.Text {
			t.Fatalf("run %d produced %q, first run produced %q", i, res.Text, first.Text)
		}
	}
}
