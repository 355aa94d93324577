// Package cli provides shared formatting helpers for the swconf CLI.
package cli

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// colorEnabled is false when NO_COLOR is set (per no-color.org) or stdout
// is not a terminal.
var colorEnabled = os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(os.Stdout.Fd()))

// SetColor forces colour output on or off.
func SetColor(enabled bool) {
	colorEnabled = enabled
}

func colorize(code, s string) string {
	if !colorEnabled {
		return s
	}
	return code + s + "\033[0m"
}

// Green wraps s in ANSI green.
func Green(s string) string { return colorize("\033[32m", s) }

// Yellow wraps s in ANSI yellow.
func Yellow(s string) string { return colorize("\033[33m", s) }

// Red wraps s in ANSI red.
func Red(s string) string { return colorize("\033[31m", s) }

// Bold wraps s in ANSI bold.
func Bold(s string) string { return colorize("\033[1m", s) }

// Dim wraps s in ANSI dim.
func Dim(s string) string { return colorize("\033[2m", s) }

// Status colours a health status or reload state by how good it is.
func Status(s string) string {
	switch s {
	case "ok", "committed", "success":
		return Green(s)
	case "critical", "rolled_back", "failed":
		return Red(s)
	case "warning", "unknown":
		return Yellow(s)
	}
	return s
}

// DotPad pads name with dots to the given width.
// Example: DotPad("vlan|10", 20) → "vlan|10 ............"
func DotPad(name string, width int) string {
	if width <= 0 || len(name) >= width-1 {
		return name
	}
	dots := width - len(name) - 1
	return name + " " + strings.Repeat(".", dots)
}
