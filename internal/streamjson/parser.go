// Package streamjson parses the Claude CLI's stream-json stdout into typed
// events. The CLI emits newline-delimited JSON most of the time but will
// occasionally concatenate objects on one line, so the parser tracks brace
// depth byte-by-byte instead of splitting on newlines.
package streamjson

import "encoding/json"

// ExtractObjects scans buf for complete top-level JSON objects and returns
// them along with the unconsumed remainder. The remainder should be carried
// over and prepended to (or kept in front of) the next read.
//
// Slices that close a brace pair but fail json.Valid are discarded silently;
// a stray '}' at depth zero is ignored without advancing the object start.
func ExtractObjects(buf []byte) (objects [][]byte, rest []byte) {
	var (
		inString   bool
		escapeNext bool
		depth      int
		start      = -1
		consumed   int
	)

	for i := 0; i < len(buf); i++ {
		c := buf[i]

		if escapeNext {
			escapeNext = false
			continue
		}

		if inString {
			switch c {
			case '\\':
				escapeNext = true
			case '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				// Stray close brace outside any object. Ignore it.
				break
			}
			depth--
			if depth == 0 && start >= 0 {
				candidate := buf[start : i+1]
				if json.Valid(candidate) {
					obj := make([]byte, len(candidate))
					copy(obj, candidate)
					objects = append(objects, obj)
				}
				start = -1
			}
		}

		// Bytes scanned outside any object are noise and will never become
		// one; dropping them keeps the carry buffer from growing for the
		// life of the child.
		if depth == 0 && start == -1 {
			consumed = i + 1
		}
	}

	return objects, buf[consumed:]
}
