package report

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/clean-dependency-project/relmirror/internal/coordinator"
	"github.com/clean-dependency-project/relmirror/internal/fetch"
)

func sampleReport() coordinator.Report {
	return coordinator.Report{
		TotalChecked: 3,
		NewDownloads: 1,
		Skipped:      1,
		Failed:       1,
		Results: []coordinator.CandidateResult{
			{
				Repository: "acme/widget",
				Tag:        "v1.2.0",
				State:      coordinator.StateDownloaded,
				Downloads: []fetch.Result{
					{
						AssetName: "widget-linux-amd64.tar.gz",
						Success:   true,
						FilePath:  "/tmp/out/acme/widget/v1.2.0/widget-linux-amd64.tar.gz",
						FileSize:  2048,
						SHA256:    "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1b2",
					},
				},
			},
			{
				Repository: "acme/gadget",
				Tag:        "v0.9.0",
				State:      coordinator.StateSkipped,
				Reason:     `not newer than "v1.0.0"`,
			},
			{
				Repository: "acme/broken",
				Tag:        "v2.0.0",
				State:      coordinator.StateFailed,
				Reason:     "all asset downloads failed",
			},
		},
		Errors: []string{"acme/broken v2.0.0: all asset downloads failed"},
	}
}

func TestRenderText(t *testing.T) {
	out, err := Render(sampleReport(), FormatText)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	wantFragments := []string{
		"# Release Check Report",
		"Checked 3 release(s): 1 downloaded, 1 skipped, 1 failed.",
		"## Downloaded",
		"- acme/widget v1.2.0",
		"widget-linux-amd64.tar.gz (2.0 KiB, sha256 a1b2c3d4e5f6)",
		"## Skipped",
		`- acme/gadget v0.9.0: not newer than "v1.0.0"`,
		"## Failed",
		"- acme/broken v2.0.0: all asset downloads failed",
		"## Errors",
	}
	for _, fragment := range wantFragments {
		if !strings.Contains(out, fragment) {
			t.Errorf("Render() output missing %q\noutput:\n%s", fragment, out)
		}
	}
}

func TestRenderTextSectionOrder(t *testing.T) {
	out, err := Render(sampleReport(), FormatText)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	downloaded := strings.Index(out, "## Downloaded")
	skipped := strings.Index(out, "## Skipped")
	failed := strings.Index(out, "## Failed")
	if !(downloaded < skipped && skipped < failed) {
		t.Errorf("Render() sections out of order: downloaded=%d skipped=%d failed=%d", downloaded, skipped, failed)
	}
}

func TestRenderTextEmpty(t *testing.T) {
	out, err := Render(coordinator.Report{}, FormatText)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(out, "Checked 0 release(s): 0 downloaded, 0 skipped, 0 failed.") {
		t.Errorf("Render() output = %q, want empty-batch summary", out)
	}
	if strings.Contains(out, "## Downloaded") || strings.Contains(out, "## Errors") {
		t.Errorf("Render() output has sections for an empty report:\n%s", out)
	}
}

func TestRenderTextFailedDownloadLine(t *testing.T) {
	r := coordinator.Report{
		TotalChecked: 1,
		NewDownloads: 1,
		Results: []coordinator.CandidateResult{
			{
				Repository: "acme/widget",
				Tag:        "v1.0.0",
				State:      coordinator.StateDownloaded,
				Downloads: []fetch.Result{
					{AssetName: "good.tar.gz", Success: true, FilePath: "/tmp/good.tar.gz", FileSize: 10, SHA256: "abcd"},
					{AssetName: "bad.zip", Success: false, Error: "download failed after 3 attempts: unexpected status 404"},
				},
			},
		},
	}

	out, err := Render(r, FormatText)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(out, "bad.zip: failed (download failed after 3 attempts: unexpected status 404)") {
		t.Errorf("Render() output missing failed download line:\n%s", out)
	}
}

func TestRenderJSON(t *testing.T) {
	out, err := Render(sampleReport(), FormatJSON)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	var decoded coordinator.Report
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("Render() produced invalid JSON: %v", err)
	}
	if decoded.TotalChecked != 3 {
		t.Errorf("decoded TotalChecked = %d, want 3", decoded.TotalChecked)
	}
	if len(decoded.Results) != 3 {
		t.Errorf("decoded Results length = %d, want 3", len(decoded.Results))
	}
	if decoded.Results[0].Downloads[0].SHA256 == "" {
		t.Error("decoded download SHA256 is empty")
	}
}

func TestRenderUnknownFormat(t *testing.T) {
	if _, err := Render(coordinator.Report{}, Format("xml")); err == nil {
		t.Error("Render() error = nil, want error for unknown format")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
