package transform

import (
	"regexp"
	"strings"
)

// Fillers is the closed list of spoken filler tokens removed by the grammar tone.
var Fillers = []string{
	"um", "uh", "like", "you know", "I mean", "basically", "actually",
	"literally", "so", "well", "right", "okay",
}

var (
	fillerPattern      = buildFillerPattern(Fillers)
	repeatedWhitespace = regexp.MustCompile(`\s+`)
	spaceBeforeAnyMark = regexp.MustCompile(`\s+([.,!?;:])`)
	danglingComma      = regexp.MustCompile(`(^|[.!?;:,])\s*,`)
	commaBeforeMark    = regexp.MustCompile(`,\s*([.!?;:])`)
)

func buildFillerPattern(words []string) *regexp.Regexp {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, strings.ReplaceAll(regexp.QuoteMeta(w), " ", `\s+`))
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b,?`)
}

// StripFillers removes filler tokens as whole words, case-insensitively, and tidies the
// whitespace and commas left behind.
func StripFillers(text string) string {
	out := fillerPattern.ReplaceAllString(text, " ")
	out = repeatedWhitespace.ReplaceAllString(out, " ")
	out = spaceBeforeAnyMark.ReplaceAllString(out, "$1")
	out = danglingComma.ReplaceAllString(out, "$1")
	out = commaBeforeMark.ReplaceAllString(out, "$1")
	out = strings.TrimSpace(out)
	return capitalizeFirst(out)
}
