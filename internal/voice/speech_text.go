package voice

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
)

// sanitizeSpeechText removes markup and symbol noise from model text so the
// synthesized voice does not read it out.
func sanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")

	raw = strings.NewReplacer(
		"`", " ",
		"*", " ",
		"_", " ",
		"\\", " ",
		"/", " ",
		"|", " ",
		"#", " ",
		"~", " ",
		"<", " ",
		">", " ",
	).Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true

	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// Emoji and symbol glyphs.
			continue
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}

	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')',
		'，', '。', '！', '？', '、', '：', '；', '“', '”', '‘', '’', '（', '）', '…', '—', '～':
		return true
	default:
		return false
	}
}

// speechDelta sanitizes one streamed text delta. A leading space that
// separated the delta from the previous word is kept.
func speechDelta(raw string, alreadySent bool) string {
	sanitized := sanitizeSpeechText(raw)
	if sanitized == "" {
		return ""
	}
	if !alreadySent {
		return sanitized
	}
	first, _ := utf8.DecodeRuneInString(sanitized)
	if isSpeechSafePunctuation(first) {
		return sanitized
	}
	if len(raw) > 0 && unicode.IsSpace(rune(raw[0])) {
		return " " + sanitized
	}
	return sanitized
}
