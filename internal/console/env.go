package console

import (
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ColorEnabled reports whether output to w should be colourised. NO_COLOR,
// CLICOLOR=0 and TERM=dumb disable colour; CLICOLOR_FORCE and FORCE_COLOR
// enable it; otherwise colour follows whether w is a terminal.
func ColorEnabled(w io.Writer) bool {
	if disableColorOutput() {
		return false
	}
	if forceColorOutput() {
		return true
	}
	return IsTerminal(w)
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}

func disableColorOutput() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	if val, ok := os.LookupEnv("CLICOLOR"); ok && strings.TrimSpace(val) == "0" {
		return true
	}
	if val, ok := os.LookupEnv("TERM"); ok && strings.EqualFold(strings.TrimSpace(val), "dumb") {
		return true
	}
	return false
}

func forceColorOutput() bool {
	for _, key := range []string{"CLICOLOR_FORCE", "FORCE_COLOR"} {
		if val, ok := os.LookupEnv(key); ok && envTruthy(val) {
			return true
		}
	}
	return false
}

func envTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}
