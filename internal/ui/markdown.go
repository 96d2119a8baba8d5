package ui

import (
	"os"

	glamour "charm.land/glamour/v2"
	"golang.org/x/term"
)

// wrapWidth picks the word-wrap column for rendered markdown: the terminal
// width when detectable, capped at 100 for readability, 80 otherwise.
func wrapWidth() int {
	const widest = 100
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return min(w, widest)
}

// RenderMarkdown runs text through glamour when output is styled. Plain
// contexts (agent mode, colors off) and renderer failures get the source
// text back untouched.
func RenderMarkdown(text string) string {
	if IsAgentMode() || !ShouldUseColor() {
		return text
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath("dark"),
		glamour.WithWordWrap(wrapWidth()),
	)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return out
}
