package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/chriskillpack/montage"
)

func render(w io.Writer, format string, res *montage.Result) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return renderText(w, res)
}

func renderText(w io.Writer, res *montage.Result) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Run %s using %s: %d succeeded, %d failed in %.1fs\n",
		res.ID, res.Provider, res.Succeeded, res.Failed, res.Duration.Seconds())
	if res.TimedOut {
		sb.WriteString("Workflow timed out, results are partial\n")
	}

	if res.Succeeded > 0 {
		sb.WriteString("\nDescriptions\n")
		for _, o := range res.Outcomes {
			if o.Status != montage.StatusSuccess {
				continue
			}
			fmt.Fprintf(&sb, "\n%s\n", o.ID)
			for _, line := range splitByNewline(o.Description) {
				fmt.Fprintf(&sb, "  %s\n", line)
			}
		}
	}

	if failed := res.FailedOutcomes(); len(failed) > 0 {
		sb.WriteString("\nFailures\n")
		for _, o := range failed {
			fmt.Fprintf(&sb, "  %s: %s (%d attempts)\n", o.ID, o.Error, o.Attempts)
		}
	}

	sb.WriteString("\nSummary\n")
	switch res.SummaryStatus {
	case montage.StatusSuccess:
		for _, line := range splitByNewline(res.Summary) {
			fmt.Fprintf(&sb, "  %s\n", line)
		}
	case montage.StatusSkipped:
		sb.WriteString("  skipped, no images were described\n")
	default:
		fmt.Fprintf(&sb, "  failed: %s\n", res.SummaryError)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// Splits s into separate substrings by newline character. Each substring is
// trimmed for whitespace and empty lines are dropped.
func splitByNewline(s string) []string {
	var sections []string
	for p := range strings.SplitSeq(s, "\n") {
		if p = strings.TrimSpace(p); p != "" {
			sections = append(sections, p)
		}
	}

	return sections
}
