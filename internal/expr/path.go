package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is one step of a parsed field path: either an object key or an
// array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// ParsePath splits a dotted/bracketed field path (e.g. "a.b[0].c") into
// segments. Numeric dot segments ("a.0.c") address array indices as well.
func ParsePath(path string) ([]Segment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty field path")
	}

	var segs []Segment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("field path %q has an empty segment", path)
		}

		key := part
		var suffix string
		if open := strings.IndexByte(part, '['); open >= 0 {
			key, suffix = part[:open], part[open:]
		}

		switch {
		case key == "" && suffix == "":
			return nil, fmt.Errorf("field path %q has an empty segment", path)
		case key != "":
			// A purely numeric dot segment addresses an array index.
			if n, err := strconv.Atoi(key); err == nil && n >= 0 {
				segs = append(segs, Segment{Index: n, IsIndex: true})
			} else {
				segs = append(segs, Segment{Key: key})
			}
		}

		// Parse the [n][m]... suffix.
		for suffix != "" {
			if suffix[0] != '[' {
				return nil, fmt.Errorf("field path %q has a malformed index suffix", path)
			}
			close := strings.IndexByte(suffix, ']')
			if close < 0 {
				return nil, fmt.Errorf("field path %q has an unterminated index", path)
			}
			n, err := strconv.Atoi(suffix[1:close])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("field path %q has a bad index %q", path, suffix[1:close])
			}
			segs = append(segs, Segment{Index: n, IsIndex: true})
			suffix = suffix[close+1:]
		}
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty field path")
	}
	return segs, nil
}
