// Package report renders coordinator batch reports for humans and machines.
package report

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/clean-dependency-project/relmirror/internal/coordinator"
)

// Format selects the output rendering.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Render formats a batch report in the requested format.
func Render(r coordinator.Report, format Format) (string, error) {
	switch format {
	case FormatJSON:
		return renderJSON(r)
	case FormatText, "":
		return renderText(r), nil
	default:
		return "", fmt.Errorf("unknown report format %q", format)
	}
}

func renderJSON(r coordinator.Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	return string(data) + "\n", nil
}

// renderText produces a markdown summary grouped by outcome.
func renderText(r coordinator.Report) string {
	var b strings.Builder

	b.WriteString("# Release Check Report\n\n")
	fmt.Fprintf(&b, "Checked %d release(s): %d downloaded, %d skipped, %d failed.\n",
		r.TotalChecked, r.NewDownloads, r.Skipped, r.Failed)

	for _, state := range []coordinator.State{
		coordinator.StateDownloaded,
		coordinator.StateSkipped,
		coordinator.StateFailed,
	} {
		section := renderSection(r, state)
		if section != "" {
			b.WriteString("\n")
			b.WriteString(section)
		}
	}

	if len(r.Errors) > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, msg := range r.Errors {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
	}

	return b.String()
}

func renderSection(r coordinator.Report, state coordinator.State) string {
	var b strings.Builder

	title := cases.Title(language.English).String(string(state))
	wrote := false

	for _, result := range r.Results {
		if result.State != state {
			continue
		}
		if !wrote {
			fmt.Fprintf(&b, "## %s\n\n", title)
			wrote = true
		}

		switch state {
		case coordinator.StateDownloaded:
			fmt.Fprintf(&b, "- %s %s\n", result.Repository, result.Tag)
			for _, dl := range result.Downloads {
				if !dl.Success {
					fmt.Fprintf(&b, "  - %s: failed (%s)\n", dl.AssetName, dl.Error)
					continue
				}
				fmt.Fprintf(&b, "  - %s (%s, sha256 %s)\n",
					filepath.Base(dl.FilePath), formatBytes(dl.FileSize), shortDigest(dl.SHA256))
			}
		default:
			fmt.Fprintf(&b, "- %s %s: %s\n", result.Repository, result.Tag, result.Reason)
		}
	}

	return b.String()
}

// shortDigest abbreviates a hex digest for display.
func shortDigest(digest string) string {
	if len(digest) <= 12 {
		return digest
	}
	return digest[:12]
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit && exp < 4 {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTP"[exp])
}
