package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces a canonical encoding of a value, suitable for
// equality keys and order-insensitive result-set comparison.
//
// Differences from Marshal:
//  1. Strings are NFC normalized before encoding
//  2. No HTML escaping (< > & are written as-is)
//  3. Whole-valued doubles collapse to their integer form, so a document
//     decoded once as Int(5) and once as Double(5.0) produces one key
func MarshalCanonical(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := canonicalValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalValue(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case String:
		return canonicalString(buf, string(val))
	case Double:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("cannot canonicalize non-finite double %v", f)
		}
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			fmt.Fprintf(buf, "%d", int64(f))
			return nil
		}
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		return nil
	case Array:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case Object:
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := canonicalValue(buf, val[k]); err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return marshalValue(buf, v)
	}
}

// canonicalString writes an NFC-normalized JSON string without HTML escaping.
func canonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}
	// Encoder appends a newline; strip it.
	buf.Truncate(buf.Len() - 1)
	return nil
}
