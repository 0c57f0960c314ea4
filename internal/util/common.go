package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). filepath.Join("a", "/b") returns "a/b", not "/b".
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Millis converts a millisecond config value into a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// TrimSlash drops trailing slashes so paths can be appended with "/".
func TrimSlash(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
