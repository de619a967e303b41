// File: internal/download/sanitize.go
package download

import "strings"

// forbiddenRunes are the characters Windows rejects in file names.
const forbiddenRunes = `\/*?:"<>|`

var filenameReplacer = newRemovingReplacer(forbiddenRunes)

func newRemovingReplacer(chars string) *strings.Replacer {
	pairs := make([]string, 0, 2*len(chars))
	for _, r := range chars {
		pairs = append(pairs, string(r), "")
	}
	return strings.NewReplacer(pairs...)
}

// SanitizeFilename strips characters that are invalid in file names. Everything
// else, including whitespace, non-ASCII text and invalid UTF-8 bytes, is kept
// as is. The result may be empty and is not guaranteed unique.
func SanitizeFilename(name string) string {
	return filenameReplacer.Replace(name)
}
