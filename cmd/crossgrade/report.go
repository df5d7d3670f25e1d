package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/crossgrade/crossgrade/internal/conversion"
	"github.com/crossgrade/crossgrade/internal/inhibit"
)

// reportMarkdown builds the pre-flight assessment as markdown; glamour
// renders it for the terminal.
func reportMarkdown(rep *conversion.Report) string {
	var b strings.Builder

	b.WriteString("# Conversion assessment\n\n")
	fmt.Fprintf(&b, "Source: **%s**\n\n", rep.Facts.Identity)
	if rep.Release.Target.Vendor != "" {
		fmt.Fprintf(&b, "Target: **%s** (releasever %s)\n\n", rep.Release.Target, rep.Release.Releasever)
	}

	b.WriteString("## Pre-flight checks\n\n")
	for _, res := range rep.Results {
		mark := "PASS"
		if res.Inhibit {
			mark = "**INHIBIT**"
		}
		fmt.Fprintf(&b, "- %s `%s`: %s\n", mark, res.ID, res.Message)
	}
	b.WriteString("\n")

	if failing := inhibit.Failing(rep.Results); len(failing) > 0 {
		fmt.Fprintf(&b, "%d check(s) inhibit the conversion. Nothing was changed.\n", len(failing))
		return b.String()
	}

	b.WriteString("## Planned actions\n\n")
	if rep.Plan.Empty() {
		b.WriteString("No package changes required.\n")
		return b.String()
	}
	for _, a := range rep.Plan.Actions {
		fmt.Fprintf(&b, "1. %s\n", a)
	}
	b.WriteString("\nFinal transaction:\n\n")
	for _, s := range rep.Plan.Final.Steps {
		if s.Name == "" {
			fmt.Fprintf(&b, "1. %s\n", s.Op)
			continue
		}
		fmt.Fprintf(&b, "1. %s %s\n", s.Op, s.Name)
	}
	return b.String()
}

// renderMarkdown renders markdown text for terminal display.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return out
}
