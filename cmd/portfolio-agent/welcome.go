package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes for terminal styling.
const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiCyan  = "\033[96m" // bright cyan (light blue)
)

type welcomeBannerOptions struct {
	Version  string
	Model    string
	StateDir string
}

func printWelcomeBanner(w io.Writer, opts welcomeBannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	title := "portfolio-agent"
	if useANSI {
		title = ansiBold + ansiCyan + title + ansiReset
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, centerWithAnsi(title, width))
	if version := strings.TrimSpace(opts.Version); version != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Version: %s", version), width))
	}
	if model := strings.TrimSpace(opts.Model); model != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Model: %s", model), width))
	}
	if dir := strings.TrimSpace(opts.StateDir); dir != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("State: %s", dir), width))
	}
	fmt.Fprintln(w)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func center(text string, width int) string {
	if width <= 0 {
		// Fallback for non-interactive outputs.
		return "    " + text
	}

	textLen := len([]rune(text))
	if textLen >= width {
		return text
	}

	padding := (width - textLen) / 2
	return strings.Repeat(" ", padding) + text
}

func stripAnsi(s string) string {
	result := s
	result = strings.ReplaceAll(result, ansiReset, "")
	result = strings.ReplaceAll(result, ansiBold, "")
	result = strings.ReplaceAll(result, ansiCyan, "")
	return result
}

func centerWithAnsi(text string, width int) string {
	if width <= 0 {
		return "    " + text
	}

	visibleText := stripAnsi(text)
	textLen := len([]rune(visibleText))
	if textLen >= width {
		return text
	}

	padding := (width - textLen) / 2
	return strings.Repeat(" ", padding) + text
}
