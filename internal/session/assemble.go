package session

import (
	"fmt"
	"strings"
)

// Assemble joins per-segment results into the final transcript: values for
// indices 1..max in ascending order, separated by a blank line. A missing
// index inside that range renders as an explicit placeholder so downstream
// readers keep positional alignment. An empty map assembles to "".
func Assemble(results map[int]string) string {
	max := 0
	for idx := range results {
		if idx > max {
			max = idx
		}
	}
	if max == 0 {
		return ""
	}

	parts := make([]string, 0, max)
	for i := 1; i <= max; i++ {
		text, ok := results[i]
		if !ok {
			text = fmt.Sprintf("[segment %d missing]", i)
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}

// failurePlaceholder is stored in place of a segment whose transcription
// failed, preserving its position in the assembled transcript.
func failurePlaceholder(index int, err error) string {
	return fmt.Sprintf("[segment %d failed: %v]", index, err)
}
