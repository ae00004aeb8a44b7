package main

import (
	"fmt"
	"io"
	"os"
	"time"
	"unicode/utf8"

	"github.com/llmdump/llmdump/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// stderr receives status messages; tests swap it for a buffer.
var stderr io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorCyan, "→ "+msg))
}

// printRow writes a one-line summary of a stored record.
func printRow(w io.Writer, r storage.Row) {
	outcome := colorize(colorGreen, "ok")
	if r.Error != nil {
		outcome = colorize(colorRed, "error")
	}

	summary := ""
	switch {
	case r.Error != nil:
		summary = *r.Error
	case r.AssistantMessage != nil:
		summary = *r.AssistantMessage
	case len(r.ToolCalls) > 0:
		summary = "[tool calls]"
	}
	summary = truncate(summary, 60)

	fmt.Fprintf(w, "%s  %s  %-5s  %s  %s\n",
		colorize(colorCyan, r.ID),
		r.Timestamp.Format(time.DateTime),
		outcome,
		r.Model,
		summary,
	)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
