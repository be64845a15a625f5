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
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiCyan      = "\033[96m"
	ansiYellow    = "\033[93m"
	ansiUnderline = "\033[4m"
)

type welcomeBannerOptions struct {
	Version     string
	SiteURL     string
	ListenURL   string
	InsecureTLS bool
}

func printWelcomeBanner(w io.Writer, opts welcomeBannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	logo := []string{
		"  ██████  ██████  ",
		" ██    ████    ██ ",
		" ██    ████    ██ ",
		"  ██████  ██████  ",
	}

	fmt.Fprintln(w)
	for _, line := range logo {
		fmt.Fprintln(w, center(line, width))
	}
	fmt.Fprintln(w)

	title := "sitebridge"
	if useANSI {
		title = ansiBold + title + ansiReset
	}
	fmt.Fprintln(w, centerWithAnsi(title, width))

	if version := strings.TrimSpace(opts.Version); version != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Version: %s", version), width))
	}
	if site := strings.TrimSpace(opts.SiteURL); site != "" {
		line := fmt.Sprintf("Site: %s", styleURL(site, useANSI))
		fmt.Fprintln(w, centerWithAnsi(line, width))
	}
	if listen := strings.TrimSpace(opts.ListenURL); listen != "" {
		line := fmt.Sprintf("Listening: %s", styleURL(listen, useANSI))
		fmt.Fprintln(w, centerWithAnsi(line, width))
	}
	if opts.InsecureTLS {
		line := "TLS disabled: browsers on the site will not connect"
		if useANSI {
			line = ansiYellow + line + ansiReset
		}
		fmt.Fprintln(w, centerWithAnsi(line, width))
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

func styleURL(url string, enabled bool) string {
	if !enabled {
		return url
	}
	return fmt.Sprintf("%s%s%s%s", ansiCyan, ansiUnderline, url, ansiReset)
}

func center(text string, width int) string {
	if width <= 0 {
		// Fallback for non-interactive outputs.
		return "  " + text
	}

	textLen := len([]rune(text))
	if textLen >= width {
		return text
	}

	padding := (width - textLen) / 2
	return strings.Repeat(" ", padding) + text
}

func stripAnsi(s string) string {
	return strings.NewReplacer(ansiReset, "", ansiBold, "", ansiCyan, "", ansiYellow, "", ansiUnderline, "").Replace(s)
}

func centerWithAnsi(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}

	textLen := len([]rune(stripAnsi(text)))
	if textLen >= width {
		return text
	}

	padding := (width - textLen) / 2
	return strings.Repeat(" ", padding) + text
}
