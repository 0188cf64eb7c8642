package projector

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxTextLength is the provider's per-message character limit.
const DefaultMaxTextLength = 4096

// minBreakFraction: a line-break split is preferred once the chunk holds at
// least this fraction of the limit.
const minBreakFraction = 0.4

// SplitText splits text into chunks of at most limit characters. Splits
// prefer line boundaries once a chunk is 40% full, and triple-backtick code
// fences are never broken: a chunk ending inside an open fence closes it,
// and the next chunk reopens it with the same language tag.
func SplitText(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMaxTextLength
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	minBreak := int(float64(limit) * minBreakFraction)
	const closeFence = "\n```"

	var chunks []string
	var cur strings.Builder
	curLen := 0
	baseLen := 0 // length of a reopened fence header, not real content
	fenceOpen := false
	fenceLang := ""

	reserve := func() int {
		if fenceOpen {
			return len(closeFence)
		}
		return 0
	}
	flush := func() {
		if fenceOpen {
			cur.WriteString(closeFence)
		}
		chunks = append(chunks, cur.String())
		cur.Reset()
		curLen = 0
		baseLen = 0
		if fenceOpen {
			header := "```" + fenceLang + "\n"
			cur.WriteString(header)
			curLen = utf8.RuneCountInString(header)
			baseLen = curLen
		}
	}

	lines := strings.SplitAfter(text, "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}

		// Fence state flips when this line lands in the chunk.
		trimmed := strings.TrimSpace(line)
		isFenceLine := strings.HasPrefix(trimmed, "```")

		lineLen := utf8.RuneCountInString(line)
		for curLen+lineLen+reserve() > limit {
			if curLen >= minBreak && curLen > baseLen {
				// Enough content: split at the line boundary.
				flush()
				continue
			}
			// Chunk too small for a clean break: hard-split the line.
			capacity := limit - curLen - reserve()
			if capacity <= 0 {
				flush()
				continue
			}
			head, tail := splitRunes(line, capacity)
			cur.WriteString(head)
			curLen += utf8.RuneCountInString(head)
			line = tail
			lineLen = utf8.RuneCountInString(line)
			flush()
			if line == "" {
				break
			}
		}
		if line == "" {
			continue
		}

		cur.WriteString(line)
		curLen += lineLen
		if isFenceLine {
			if fenceOpen {
				fenceOpen = false
				fenceLang = ""
			} else {
				fenceOpen = true
				fenceLang = strings.TrimPrefix(trimmed, "```")
			}
		}
	}

	if curLen > 0 {
		if fenceOpen {
			cur.WriteString(closeFence)
		}
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// splitRunes cuts s after at most n runes.
func splitRunes(s string, n int) (head, tail string) {
	count := 0
	for i := range s {
		if count == n {
			return s[:i], s[i:]
		}
		count++
	}
	return s, ""
}
