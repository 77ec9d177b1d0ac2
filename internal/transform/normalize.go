// Package transform turns a raw transcript into the text that gets inserted.
package transform

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var questionWords = map[string]bool{
	"what": true, "how": true, "why": true, "when": true, "where": true,
	"who": true, "which": true, "whose": true, "whom": true,
}

var (
	// A conjunction surrounded by whitespace, not already preceded by a comma or a mark.
	conjunctionPattern = regexp.MustCompile(`([^\s,.;:!?])\s+(and|but|or|so|yet|for|nor)\s+`)
	spaceBeforeMark    = regexp.MustCompile(`\s+([.!?])`)
	spaceAfterMark     = regexp.MustCompile(`([.!?])\s*([A-Za-z])`)
)

// Normalize punctuates and capitalizes a transcript. It is deterministic and idempotent.
func Normalize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if !hasTerminalMark(text) {
		if startsWithQuestion(text) {
			text += "?"
		} else {
			text += "."
		}
	}
	text = capitalizeFirst(text)
	text = spaceBeforeMark.ReplaceAllString(text, "$1")
	text = spaceAfterMark.ReplaceAllString(text, "$1 $2")
	return insertConjunctionCommas(text)
}

func hasTerminalMark(text string) bool {
	r, _ := utf8.DecodeLastRuneInString(text)
	return strings.ContainsRune(".!?;:", r)
}

func startsWithQuestion(text string) bool {
	first := strings.ToLower(strings.Fields(text)[0])
	if i := strings.IndexAny(first, "'’"); i > 0 {
		first = first[:i]
	}
	first = strings.TrimRightFunc(first, func(r rune) bool { return !unicode.IsLetter(r) })
	return questionWords[first]
}

func capitalizeFirst(text string) string {
	r, size := utf8.DecodeRuneInString(text)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return text
	}
	return string(unicode.ToUpper(r)) + text[size:]
}

// insertConjunctionCommas repeats until stable; adjacent conjunctions share whitespace, so a
// single pass can miss the second one.
func insertConjunctionCommas(text string) string {
	for i := 0; i < 8; i++ {
		next := conjunctionPattern.ReplaceAllString(text, "$1, $2 ")
		if next == text {
			return next
		}
		text = next
	}
	return text
}
