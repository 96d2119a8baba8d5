package ui

import (
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsAgentMode reports whether output should stay plain for machine callers.
// Agents set NEOTOMA_AGENT_MODE=1; --json implies the same at the command
// layer.
func IsAgentMode() bool {
	return os.Getenv("NEOTOMA_AGENT_MODE") == "1"
}

// ShouldUseColor decides whether to emit ANSI color.
// Precedence: NO_COLOR > CLICOLOR_FORCE > CLICOLOR=0 > terminal capability.
func ShouldUseColor() bool {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	if os.Getenv("CLICOLOR_FORCE") != "" && os.Getenv("CLICOLOR_FORCE") != "0" {
		return true
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if !IsTerminal() {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

// ShouldUseEmoji reports whether icons render as emoji.
// NEOTOMA_NO_EMOJI=1 forces plain output; otherwise follows the TTY check.
func ShouldUseEmoji() bool {
	if os.Getenv("NEOTOMA_NO_EMOJI") == "1" {
		return false
	}
	return IsTerminal()
}
