// Package validation checks the external tools the pipeline shells out to.
package validation

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// MinFFmpegMajor is the oldest ffmpeg release known to handle every
// container the loader passes through.
const MinFFmpegMajor = 4

// Result is the outcome of one tool check.
type Result struct {
	OK       bool     `json:"ok"`
	Version  string   `json:"version,omitempty"`
	Message  string   `json:"message"`
	Issues   []string `json:"issues,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Fixes    []string `json:"fixes,omitempty"`
}

var versionRe = regexp.MustCompile(`^ffmpeg version n?(\d+)\.(\d+)(?:\.(\d+))?`)

// ParseFFmpegVersion validates the first line of `ffmpeg -version`.
// Git snapshot builds ("ffmpeg version N-112345-g...") pass with a warning.
func ParseFFmpegVersion(output string) *Result {
	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	r := &Result{OK: true}

	if strings.HasPrefix(line, "ffmpeg version N-") {
		r.Version = strings.Fields(line)[2]
		r.Message = fmt.Sprintf("ffmpeg snapshot %s", r.Version)
		r.Warnings = append(r.Warnings, "snapshot build, version not verified")
		return r
	}

	m := versionRe.FindStringSubmatch(line)
	if m == nil {
		r.OK = false
		r.Message = fmt.Sprintf("could not parse ffmpeg version: %q", line)
		r.Issues = append(r.Issues, "unrecognised version output")
		r.Fixes = SuggestedFixes(r)
		return r
	}

	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	r.Version = fmt.Sprintf("%d.%d", major, minor)
	if m[3] != "" {
		r.Version += "." + m[3]
	}
	if major < MinFFmpegMajor {
		r.OK = false
		r.Message = fmt.Sprintf("ffmpeg %s is too old (requires %d.0+)", r.Version, MinFFmpegMajor)
		r.Issues = append(r.Issues, r.Message)
		r.Fixes = SuggestedFixes(r)
		return r
	}
	r.Message = fmt.Sprintf("ffmpeg %s is compatible", r.Version)
	return r
}

// CheckFFmpeg runs `<path> -version` and validates the output. An empty
// path means "ffmpeg" on PATH.
func CheckFFmpeg(ctx context.Context, path string) *Result {
	if path == "" {
		path = "ffmpeg"
	}
	bin, err := exec.LookPath(path)
	if err != nil {
		r := &Result{
			Message:  "ffmpeg not found",
			Issues:   []string{err.Error()},
			Warnings: []string{"only PCM WAV input can be decoded without ffmpeg"},
		}
		r.Fixes = SuggestedFixes(r)
		return r
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-hide_banner", "-version")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return &Result{
			Message: fmt.Sprintf("%s -version failed", bin),
			Issues:  []string{err.Error()},
			Fixes:   []string{"Reinstall ffmpeg or point audio.ffmpeg_path at a working binary"},
		}
	}
	return ParseFFmpegVersion(out.String())
}

// SuggestedFixes returns install hints for a failed check.
func SuggestedFixes(r *Result) []string {
	if r.OK {
		return nil
	}
	fixes := []string{
		"Install ffmpeg 4.0 or later:",
		"  macOS:  brew install ffmpeg",
		"  Debian: sudo apt install ffmpeg",
	}
	if r.Version != "" {
		fixes = append(fixes, fmt.Sprintf("Installed version %s is below the minimum", r.Version))
	}
	return append(fixes, "Or set audio.ffmpeg_path in config.yaml")
}
