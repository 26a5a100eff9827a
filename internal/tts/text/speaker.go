// Package text normalizes speaker markers in synthesis texts.
//
// A speaker marker is a bracketed tag such as "[S1]" that selects the voice for the
// text span that follows it. The model expects every text to open with a marker, and
// a repeated marker with no other marker in between is redundant.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultSpeakerTag is prepended to texts that do not open with a marker.
const DefaultSpeakerTag = "[S1]"

var leadingSpeakerTagPattern = regexp.MustCompile(`^\[S\d+\]`)

// EnsureSpeakerTag prepends DefaultSpeakerTag unless text, ignoring surrounding
// whitespace, already starts with a speaker marker.
func EnsureSpeakerTag(text string) string {
	if leadingSpeakerTagPattern.MatchString(strings.TrimSpace(text)) {
		return text
	}

	return DefaultSpeakerTag + " " + text
}

// StripConsecutiveSpeakerTags drops a marker when the previous marker in the text is
// the same one, joining the two spans.
//
//	"[S1] hello world [S1] more text [S2] reply [S1] back"
//	"[S1] hello world more text [S2] reply [S1] back"
//
// The text is scanned once, left to right. Only the tail of the output is inspected
// for a newly completed marker, so a marker spelled across the seam of a dropped one
// is caught in the same pass. The result is a fixed point.
func StripConsecutiveSpeakerTags(text string) string {
	var (
		out       = make([]byte, 0, len(text))
		active    string
		trimSpace bool
	)

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		chunk := text[i : i+size]
		i += size

		if trimSpace {
			if unicode.IsSpace(r) {
				continue
			}

			trimSpace = false
		}

		out = append(out, chunk...)

		if r != ']' {
			continue
		}

		start := markerStart(out)
		if start < 0 {
			continue
		}

		if tag := string(out[start:]); tag != active {
			active = tag

			continue
		}

		// Dropping a marker leaves exactly one separator between the joined spans.
		out = out[:start]
		lastRune, _ := utf8.DecodeLastRune(out)
		trimSpace = len(out) > 0 && unicode.IsSpace(lastRune)
	}

	return string(out)
}

// markerStart returns the index of the marker that ends out, or -1. out ends with ']'.
func markerStart(out []byte) int {
	end := len(out) - 1

	j := end - 1
	for j >= 0 && out[j] >= '0' && out[j] <= '9' {
		j--
	}

	if j == end-1 || j < 1 || out[j] != 'S' || out[j-1] != '[' {
		return -1
	}

	return j - 1
}
