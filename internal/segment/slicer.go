package segment

import (
	"strings"
	"unicode/utf8"
)

// Slice returns the end offset and text of the next window starting at cursor.
//
// The cut prefers a paragraph boundary ("\n\n") inside the last 10% of the
// window, then a line boundary, then the raw offset. The returned end is
// always greater than cursor while cursor < len(text).
func Slice(text string, cursor, targetSize int) (int, string) {
	n := len(text)
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= n {
		return n, ""
	}
	if targetSize <= 0 {
		targetSize = 1
	}

	limit := cursor + targetSize
	if limit >= n {
		return n, text[cursor:]
	}

	floor := limit - targetSize/10
	if floor < cursor {
		floor = cursor
	}
	region := text[floor:limit]

	if i := strings.LastIndex(region, "\n\n"); i >= 0 {
		end := floor + i + 2
		return end, text[cursor:end]
	}
	if i := strings.LastIndexByte(region, '\n'); i >= 0 {
		end := floor + i + 1
		return end, text[cursor:end]
	}

	// Raw cut; step back so a multi-byte rune is not split.
	end := limit
	for end > cursor+1 && !utf8.RuneStart(text[end]) {
		end--
	}
	return end, text[cursor:end]
}
