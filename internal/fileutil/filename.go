package fileutil

import (
	"path/filepath"
	"regexp"
	"strings"
)

// MediaExtensions are the source file types the watcher and server accept.
var MediaExtensions = []string{".wav", ".mp3", ".m4a", ".mp4", ".mkv", ".mov", ".webm", ".ogg", ".flac"}

var (
	illegalChars = regexp.MustCompile(`[\/\\:*?"<>|]`)
	whitespace   = regexp.MustCompile(`[\s_]+`)
)

// IsMedia reports whether path has a supported media extension.
func IsMedia(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, m := range MediaExtensions {
		if ext == m {
			return true
		}
	}
	return false
}

// StripExt removes a known media extension from path. Other extensions are
// kept, so "notes.v2" stays intact.
func StripExt(path string) string {
	if IsMedia(path) {
		return strings.TrimSuffix(path, filepath.Ext(path))
	}
	return path
}

// OutputBase returns the extensionless output path for source. Outputs go
// next to the source unless outDir is set.
func OutputBase(source, outDir string) string {
	base := StripExt(source)
	if outDir == "" {
		return base
	}
	return filepath.Join(outDir, filepath.Base(base))
}

// SanitizeForFilename makes an uploaded file name safe to use on disk. The
// extension is kept.
func SanitizeForFilename(input string) string {
	input = filepath.Base(strings.TrimSpace(input))
	ext := strings.ToLower(filepath.Ext(input))
	if !IsMedia(input) {
		ext = ""
	}
	name := strings.TrimSuffix(input, filepath.Ext(input))
	if ext == "" {
		name = input
	}

	name = illegalChars.ReplaceAllString(name, "_")
	name = whitespace.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-.")

	if len(name) > 50 {
		name = strings.TrimRight(name[:50], "-")
	}
	if name == "" {
		name = "audio"
	}
	return name + ext
}
