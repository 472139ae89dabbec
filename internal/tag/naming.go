package tag

import (
	"fmt"
	"regexp"
	"strings"
)

const DefaultExtension = "flac"

var nonAlphanumeric = regexp.MustCompile(`[^A-Za-z0-9]`)

// SanitizeComponent replaces every character outside of [A-Za-z0-9]
// with an underscore. The length of the input (in runes) is preserved.
func SanitizeComponent(s string) string {
	return nonAlphanumeric.ReplaceAllString(s, "_")
}

// FileName derives the artifact file name for the artist and title provided,
// in the form "{artist} - {title}.{ext}". Identical inputs always produce
// identical names.
func FileName(artist string, title string, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = DefaultExtension
	}

	return fmt.Sprintf("%s - %s.%s", SanitizeComponent(artist), SanitizeComponent(title), ext)
}
