package assistant

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	fencePattern     = regexp.MustCompile("(?m)^\\s*```[a-zA-Z0-9_-]*\\s*$")
	headingPattern   = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	quotePattern     = regexp.MustCompile(`(?m)^\s*>\s?`)
	bulletPattern    = regexp.MustCompile(`(?m)^\s*[*+•]\s+`)
	imagePattern     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkPattern      = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	boldPattern      = regexp.MustCompile(`\*\*([^*]+)\*\*|__([^_]+)__`)
	italicPattern    = regexp.MustCompile(`\*([^*\s][^*]*)\*`)
	underPattern     = regexp.MustCompile(`(^|\s)_([^_\s][^_]*)_`)
	strikePattern    = regexp.MustCompile(`~~([^~]+)~~`)
	tableRulePattern = regexp.MustCompile(`(?m)^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?\s*$`)
	spacePattern     = regexp.MustCompile(`[ \t\f\v]+`)
	blankPattern     = regexp.MustCompile(`\n\s*\n+`)
)

// Clean turns model output into radio-friendly plain text: markdown markup is
// removed, whitespace runs collapse and the result is cut to maxChars runes.
func Clean(text string, maxChars int) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = fencePattern.ReplaceAllString(text, "")
	text = tableRulePattern.ReplaceAllString(text, "")
	text = headingPattern.ReplaceAllString(text, "")
	text = quotePattern.ReplaceAllString(text, "")
	text = bulletPattern.ReplaceAllString(text, "- ")
	text = imagePattern.ReplaceAllString(text, "$1")
	text = linkPattern.ReplaceAllString(text, "$1")
	text = boldPattern.ReplaceAllString(text, "$1$2")
	text = italicPattern.ReplaceAllString(text, "$1")
	text = underPattern.ReplaceAllString(text, "$1$2")
	text = strikePattern.ReplaceAllString(text, "$1")
	text = strings.ReplaceAll(text, "`", "")
	text = tableCells(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spacePattern.ReplaceAllString(line, " "))
	}
	text = blankPattern.ReplaceAllString(strings.Join(lines, "\n"), "\n")
	text = strings.TrimSpace(text)

	return truncateRunes(text, maxChars)
}

// tableCells flattens markdown table rows into space separated cells.
func tableCells(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") || len(trimmed) < 2 {
			continue
		}
		cells := strings.Split(strings.Trim(trimmed, "|"), "|")
		for j := range cells {
			cells[j] = strings.TrimSpace(cells[j])
		}
		lines[i] = strings.Join(cells, " ")
	}
	return strings.Join(lines, "\n")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}

	count := 0
	for i := range s {
		if count == limit {
			return strings.TrimSpace(s[:i])
		}
		count++
	}
	return s
}
