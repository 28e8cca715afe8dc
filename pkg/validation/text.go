package validation

import (
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	// Title limits apply to both UTF-16 code units and UTF-8 bytes.
	MaxTitleLength     = 256
	MaxTitleByteLength = 256

	MaxTextLength     = 64 * 1024
	MaxTextByteLength = 64 * 1024
)

// Bidirectional formatting and interlinear annotation code points. An
// unterminated run of these can hijack the rendering of surrounding UI
// text, so titles and bodies must keep them balanced.
const (
	runeLRE = 0x202A // LEFT-TO-RIGHT EMBEDDING
	runeRLE = 0x202B // RIGHT-TO-LEFT EMBEDDING
	runePDF = 0x202C // POP DIRECTIONAL FORMATTING
	runeLRO = 0x202D // LEFT-TO-RIGHT OVERRIDE
	runeRLO = 0x202E // RIGHT-TO-LEFT OVERRIDE

	runeAnnoAnchor     = 0xFFF9 // INTERLINEAR ANNOTATION ANCHOR
	runeAnnoSeparator  = 0xFFFA // INTERLINEAR ANNOTATION SEPARATOR
	runeAnnoTerminator = 0xFFFB // INTERLINEAR ANNOTATION TERMINATOR
)

// IsTitleValid reports whether a message title is acceptable: non-empty,
// within the length limits, valid UTF-8, free of control characters and
// line breaks, and with balanced formatting runs.
func IsTitleValid(title string) bool {
	if title == "" {
		return false
	}
	if len(title) > MaxTitleByteLength {
		return false
	}
	if utf16Length(title) > MaxTitleLength {
		return false
	}
	if !utf8.ValidString(title) || containsNoncharacter(title) {
		return false
	}
	for _, c := range title {
		if c == '\n' || c == '\r' || unicode.IsControl(c) {
			return false
		}
		if unicode.Is(unicode.Zl, c) || unicode.Is(unicode.Zp, c) {
			return false
		}
	}
	return hasBalancedFormatting(title)
}

// IsTextValid reports whether a message body is acceptable. Unlike titles,
// control characters are tolerated in bodies.
func IsTextValid(text string) bool {
	if len(text) > MaxTextByteLength {
		return false
	}
	if utf16Length(text) > MaxTextLength {
		return false
	}
	if !utf8.ValidString(text) || containsNoncharacter(text) {
		return false
	}
	return hasBalancedFormatting(text)
}

// SanitizeTitle makes a title valid in the sense of IsTitleValid: runs of
// whitespace (line breaks, tabs, spaces) collapse to a single space,
// disallowed control and format characters are stripped, and unterminated
// bidirectional or annotation sequences are closed at the end. The result
// is a fixed point: SanitizeTitle(SanitizeTitle(s)) == SanitizeTitle(s).
func SanitizeTitle(title string) string {
	var b strings.Builder
	inWhitespace := false
	dirCount := 0
	inAnnotatedText := false
	inAnnotation := false

	for _, c := range title {
		switch {
		case c == '\r' || c == '\n' || c == '\t' || c == ' ':
			if !inWhitespace {
				inWhitespace = true
				b.WriteByte(' ')
			}
		case c == runeLRE || c == runeRLE || c == runeLRO || c == runeRLO:
			dirCount++
			b.WriteRune(c)
		case c == runePDF:
			if dirCount > 0 {
				dirCount--
				b.WriteRune(c)
			}
		case c == runeAnnoAnchor:
			if !inAnnotatedText && !inAnnotation {
				b.WriteRune(c)
				inAnnotatedText = true
			}
		case c == runeAnnoSeparator:
			if inAnnotatedText {
				b.WriteRune(c)
				inAnnotatedText = false
				inAnnotation = true
			}
		case c == runeAnnoTerminator:
			if inAnnotation {
				b.WriteRune(c)
				inAnnotation = false
			}
		case isNoncharacter(c) || c == utf8.RuneError:
			// dropped
		default:
			inWhitespace = false
			if unicode.IsControl(c) || unicode.Is(unicode.Zl, c) || unicode.Is(unicode.Zp, c) {
				break
			}
			b.WriteRune(c)
		}
	}

	if inAnnotatedText {
		b.WriteRune(runeAnnoSeparator)
		b.WriteRune(runeAnnoTerminator)
	} else if inAnnotation {
		b.WriteRune(runeAnnoTerminator)
	}
	for dirCount > 0 {
		b.WriteRune(runePDF)
		dirCount--
	}

	return b.String()
}

// SanitizeText normalizes CRLF line endings to LF. No other transformation.
func SanitizeText(text string) string {
	return strings.ReplaceAll(text, "\r\n", "\n")
}

func utf16Length(s string) int {
	n := 0
	for _, c := range s {
		n += len(utf16.Encode([]rune{c}))
	}
	return n
}

// hasBalancedFormatting checks that every directional embedding/override is
// popped and every interlinear annotation sequence runs anchor, separator,
// terminator in order.
func hasBalancedFormatting(s string) bool {
	dirCount := 0
	inAnnotatedText := false
	inAnnotation := false
	for _, c := range s {
		switch c {
		case runeLRE, runeRLE, runeLRO, runeRLO:
			dirCount++
		case runePDF:
			if dirCount == 0 {
				return false
			}
			dirCount--
		case runeAnnoAnchor:
			if inAnnotatedText || inAnnotation {
				return false
			}
			inAnnotatedText = true
		case runeAnnoSeparator:
			if !inAnnotatedText {
				return false
			}
			inAnnotatedText = false
			inAnnotation = true
		case runeAnnoTerminator:
			if !inAnnotation {
				return false
			}
			inAnnotation = false
		}
	}
	return dirCount == 0 && !inAnnotatedText && !inAnnotation
}

func containsNoncharacter(s string) bool {
	for _, c := range s {
		if isNoncharacter(c) {
			return true
		}
	}
	return false
}

func isNoncharacter(c rune) bool {
	if c >= 0xFDD0 && c <= 0xFDEF {
		return true
	}
	return c&0xFFFE == 0xFFFE
}
