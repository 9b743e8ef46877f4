package staging

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxNameLen = 200

// SanitizeFilename strips path separators, NUL bytes and leading/trailing
// dots or spaces, and caps the length while keeping the extension.
func SanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "/", "_")
	filename = strings.ReplaceAll(filename, "\\", "_")
	filename = strings.ReplaceAll(filename, "\x00", "")
	filename = strings.Trim(filename, " .")

	if len(filename) > maxNameLen {
		ext := filepath.Ext(filename)
		if len(ext) > 16 {
			ext = ""
		}
		stem := filename[:len(filename)-len(ext)]
		n := maxNameLen - len(ext)
		// Cut on a rune boundary; object keys must stay valid UTF-8.
		for n > 0 && !utf8.RuneStart(stem[n]) {
			n--
		}
		filename = stem[:n] + ext
	}

	if filename == "" {
		filename = "unnamed"
	}
	return filename
}

// uniqueName prefixes the sanitised filename with a random token so two parts
// with the same name, in one request or across requests, never share a path.
func uniqueName(filename string) string {
	return uuid.NewString() + "-" + SanitizeFilename(filename)
}
