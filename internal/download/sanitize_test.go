// File: internal/download/sanitize_test.go
package download

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Song A", "Song A"},
		{"quotes and slash", `Song: "B" / Remix`, "Song B  Remix"},
		{"every forbidden rune", `a\b/c*d?e:f"g<h>i|j`, "abcdefghij"},
		{"only forbidden", `\/*?:"<>|`, ""},
		{"empty", "", ""},
		{"unicode kept", "晴天 - 周杰伦", "晴天 - 周杰伦"},
		{"whitespace kept", "  spaced\tout  ", "  spaced\tout  "},
		{"invalid utf-8 kept", "Song \xff: A", "Song \xff A"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeFilename(tc.in))
		})
	}
}

func assertSanitized(t *testing.T, in string) {
	t.Helper()
	out := SanitizeFilename(in)
	assert.False(t, strings.ContainsAny(out, forbiddenRunes), "output %q still has forbidden characters", out)
	assert.Equal(t, out, SanitizeFilename(out), "sanitizing must be idempotent")

	// Removing the forbidden characters from the input by hand gives the same
	// result. They are all ASCII, so a byte walk keeps invalid UTF-8 intact.
	var b strings.Builder
	for i := 0; i < len(in); i++ {
		if strings.IndexByte(forbiddenRunes, in[i]) < 0 {
			b.WriteByte(in[i])
		}
	}
	assert.Equal(t, b.String(), out)
}

func TestSanitizeFilename_ReplacerCoversEveryForbiddenRune(t *testing.T) {
	for _, r := range forbiddenRunes {
		assert.Empty(t, SanitizeFilename(string(r)), "%q was not removed", r)
	}
	assertSanitized(t, "Song \xff A")
}

func FuzzSanitizeFilename(f *testing.F) {
	f.Add("Song A")
	f.Add(`Song: "B" / Remix`)
	f.Add(`\/*?:"<>|`)
	f.Add("晴天")
	f.Add("Song \xff A")
	f.Add("\xe6\x99: \\half")
	f.Fuzz(func(t *testing.T, in string) {
		assertSanitized(t, in)
	})
}

// FuzzSanitizeFilename_Structured builds song titles from structured fuzz data.
func FuzzSanitizeFilename_Structured(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		var title struct {
			Artist string
			Name   string
			Suffix string
		}
		if err := consumer.GenerateStruct(&title); err != nil {
			return
		}
		assertSanitized(t, title.Artist+" - "+title.Name+title.Suffix)
	})
}
