// Package location maps FHIRPath-style element paths such as
// "Patient.name[0].family" to positions in JSON source.
package location

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Location represents a position in the source JSON. Line and Column are 1-based.
type Location struct {
	Line   int
	Column int
}

// Find locates an element path in JSON source.
// Returns nil if the path is not present.
func Find(data []byte, path string) *Location {
	offset, ok := Offset(data, path)
	if !ok {
		return nil
	}
	line, col := LineCol(data, offset)
	return &Location{Line: line, Column: col}
}

// Offset returns the byte offset of the property name (or array item) that
// path points to. A path naming only the resource type maps to offset 0.
func Offset(data []byte, path string) (int, bool) {
	if len(data) == 0 || path == "" {
		return 0, false
	}
	segments := Segments(path)
	if len(segments) == 0 {
		return 0, true
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	offset, ok := navigate(dec, segments)
	if !ok {
		return 0, false
	}
	return skipSeparators(data, offset), true
}

// Nearest returns the offset of path, or of its closest present ancestor when
// path itself is absent. exact reports whether path was found.
func Nearest(data []byte, path string) (offset int, exact bool) {
	if off, ok := Offset(data, path); ok {
		return off, true
	}
	for p := Parent(path); p != ""; p = Parent(p) {
		if off, ok := Offset(data, p); ok {
			return off, false
		}
	}
	return 0, false
}

// Parent strips the last segment of path, including a trailing [n].
func Parent(path string) string {
	if strings.HasSuffix(path, "]") {
		if i := strings.LastIndexByte(path, '['); i > 0 {
			return path[:i]
		}
	}
	if i := strings.LastIndexByte(path, '.'); i > 0 {
		return path[:i]
	}
	return ""
}

// Segments splits a path into property names and array indexes, dropping a
// leading resource type:
//
//	"Patient.identifier[0].value" -> ["identifier", "0", "value"]
func Segments(path string) []string {
	if idx := strings.IndexAny(path, ".["); idx > 0 {
		if first := path[:idx]; first[0] >= 'A' && first[0] <= 'Z' {
			path = path[idx:]
		}
	} else if path != "" && path[0] >= 'A' && path[0] <= 'Z' {
		return nil
	}

	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '.', '[', ']':
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}

func navigate(dec *json.Decoder, segments []string) (int, bool) {
	for i, seg := range segments {
		last := i == len(segments)-1
		if idx, err := strconv.Atoi(seg); err == nil {
			if !expectDelim(dec, '[') {
				return 0, false
			}
			found := false
			for n := 0; dec.More(); n++ {
				offset := int(dec.InputOffset())
				if n == idx {
					if last {
						return offset, true
					}
					found = true
					break
				}
				if skipValue(dec) != nil {
					return 0, false
				}
			}
			if !found {
				return 0, false
			}
			continue
		}

		if !expectDelim(dec, '{') {
			return 0, false
		}
		found := false
		for dec.More() {
			offset := int(dec.InputOffset())
			tok, err := dec.Token()
			if err != nil {
				return 0, false
			}
			if key, _ := tok.(string); key == seg {
				if last {
					return offset, true
				}
				found = true
				break
			}
			if skipValue(dec) != nil {
				return 0, false
			}
		}
		if !found {
			return 0, false
		}
	}
	return 0, false
}

func expectDelim(dec *json.Decoder, want json.Delim) bool {
	tok, err := dec.Token()
	if err != nil {
		return false
	}
	d, ok := tok.(json.Delim)
	return ok && d == want
}

// skipValue skips a single JSON value (primitive, object, or array).
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if _, ok := tok.(json.Delim); !ok {
		return nil
	}
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

// skipSeparators moves past whitespace and the ',' or ':' the decoder leaves
// in front of the next token.
func skipSeparators(data []byte, offset int) int {
	for offset < len(data) {
		switch data[offset] {
		case ' ', '\t', '\r', '\n', ',', ':':
			offset++
		default:
			return offset
		}
	}
	return offset
}

// LineCol converts a byte offset to 1-based line and column numbers.
func LineCol(data []byte, offset int) (line, col int) {
	line, col = 1, 1
	for i := 0; i < offset && i < len(data); i++ {
		if data[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}
