package alert

import "strings"

// DefaultChunkSize is the message length above which a failed delivery is
// retried as plain-text chunks.
const DefaultChunkSize = 500

var escaper = strings.NewReplacer(
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
	"[", `\[`,
	"]", `\]`,
	"(", `\(`,
	")", `\)`,
	"~", `\~`,
	">", `\>`,
	"#", `\#`,
	"+", `\+`,
	"-", `\-`,
	"=", `\=`,
	"|", `\|`,
	"{", `\{`,
	"}", `\}`,
	".", `\.`,
	"!", `\!`,
)

var stripper = strings.NewReplacer(
	`\`, "",
	"*", "",
	"_", "",
	"`", "",
	"~", "",
)

// Escape makes s safe to embed in a MarkdownV2 message. Existing
// backslashes are dropped first so values are never double-escaped.
func Escape(s string) string {
	return escaper.Replace(strings.ReplaceAll(s, `\`, ""))
}

// StripMarkdown removes formatting markers for plain-text resend.
func StripMarkdown(s string) string {
	return stripper.Replace(s)
}

// Chunk splits s into parts of at most size runes.
func Chunk(s string, size int) []string {
	if size <= 0 {
		return []string{s}
	}
	runes := []rune(s)
	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
