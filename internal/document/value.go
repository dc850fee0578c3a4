package document

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// Value is a sealed interface over the document value domain.
// Only Null, Bool, Int, Double, String, Array, Object, Binary and DateTime
// implement it. The marker method prevents external implementations and
// keeps type switches over values exhaustive.
type Value interface {
	value() // Sealed - only types in this package implement it
}

// Null represents a JSON null.
// Using an explicit type keeps nil out of the value domain.
type Null struct{}

func (Null) value() {}

// Bool represents a boolean value.
type Bool bool

func (Bool) value() {}

// Int represents an integer value. Always int64.
type Int int64

func (Int) value() {}

// Double represents a floating-point value.
type Double float64

func (Double) value() {}

// String represents a string value.
type String string

func (String) value() {}

// Array represents an ordered sequence of values.
type Array []Value

func (Array) value() {}

// Object represents a string-keyed document. Key order carries no meaning;
// use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) value() {}

// Binary is a storage-level extension carrying opaque bytes.
// It round-trips through the document JSON encoding as {"$binary": base64}.
type Binary []byte

func (Binary) value() {}

// DateTime is a storage-level extension carrying an instant in time.
// It round-trips through the document JSON encoding as
// {"$date": RFC3339Nano} and always normalizes to UTC.
type DateTime time.Time

func (DateTime) value() {}

// Time returns the underlying time in UTC.
func (d DateTime) Time() time.Time {
	return time.Time(d).UTC()
}

const (
	dateKey   = "$date"
	binaryKey = "$binary"
)

// SortedKeys returns the object's keys in ascending byte order.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromNative converts a decoded JSON tree (or plain Go values from caller
// code) into a Value. Numbers arriving as json.Number become Int when they
// parse exactly as int64, Double otherwise. time.Time and []byte map to the
// storage extensions.
func FromNative(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case float32:
		return Double(val), nil
	case float64:
		// Literals written as whole floats stay doubles; only json.Number
		// carries enough information to distinguish 5 from 5.0.
		return Double(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("number out of range: %s", val)
		}
		return Double(f), nil
	case time.Time:
		return DateTime(val.UTC()), nil
	case []byte:
		return Binary(val), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			ev, err := FromNative(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		if ext, ok, err := extensionFromMap(val); ok || err != nil {
			return ext, err
		}
		obj := make(Object, len(val))
		for k, elem := range val {
			ev, err := FromNative(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported native type: %T", v)
	}
}

// extensionFromMap recognizes the single-key {"$date": ...} and
// {"$binary": ...} encodings produced by Marshal.
func extensionFromMap(m map[string]any) (Value, bool, error) {
	if len(m) != 1 {
		return nil, false, nil
	}
	if raw, ok := m[dateKey]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, true, fmt.Errorf("$date value must be a string, got %T", raw)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, true, fmt.Errorf("parse $date %q: %w", s, err)
		}
		return DateTime(t.UTC()), true, nil
	}
	if raw, ok := m[binaryKey]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, true, fmt.Errorf("$binary value must be a string, got %T", raw)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, true, fmt.Errorf("decode $binary: %w", err)
		}
		return Binary(b), true, nil
	}
	return nil, false, nil
}

// ToNative converts a Value back to a plain Go tree (the inverse of
// FromNative). DateTime becomes time.Time, Binary becomes []byte.
func ToNative(v Value) any {
	switch val := v.(type) {
	case Null:
		return nil
	case Bool:
		return bool(val)
	case Int:
		return int64(val)
	case Double:
		return float64(val)
	case String:
		return string(val)
	case Binary:
		return []byte(val)
	case DateTime:
		return val.Time()
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToNative(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToNative(elem)
		}
		return out
	default:
		return nil
	}
}

// Unmarshal decodes document JSON into a Value, recognizing the storage
// extension encodings. Numbers decode through json.Number so integers stay
// integers.
func Unmarshal(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromNative(raw)
}

// Marshal encodes a Value as document JSON with sorted object keys.
// The encoding round-trips exactly through Unmarshal, including the
// Binary and DateTime extensions.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshalValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalValue(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case Null:
		buf.WriteString("null")
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Int:
		fmt.Fprintf(buf, "%d", int64(val))
	case Double:
		return marshalDouble(buf, float64(val))
	case String:
		b, err := json.Marshal(string(val))
		if err != nil {
			return err
		}
		buf.Write(b)
	case Binary:
		b, err := json.Marshal(base64.StdEncoding.EncodeToString(val))
		if err != nil {
			return err
		}
		buf.WriteString(`{"` + binaryKey + `":`)
		buf.Write(b)
		buf.WriteByte('}')
	case DateTime:
		buf.WriteString(`{"` + dateKey + `":"`)
		buf.WriteString(val.Time().Format(time.RFC3339Nano))
		buf.WriteString(`"}`)
	case Array:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalValue(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := marshalValue(buf, val[k]); err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	case nil:
		return fmt.Errorf("nil Value; use Null{}")
	default:
		return fmt.Errorf("unknown Value type: %T", v)
	}
	return nil
}

// marshalDouble writes a float. NaN and infinities have no JSON encoding
// and are rejected rather than silently corrupted.
func marshalDouble(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("cannot encode non-finite double %v", f)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// IsNumeric reports whether v is Int or Double.
func IsNumeric(v Value) bool {
	switch v.(type) {
	case Int, Double:
		return true
	default:
		return false
	}
}

// AsFloat returns the numeric value of v as a float64.
// The second result is false for non-numeric values.
func AsFloat(v Value) (float64, bool) {
	switch val := v.(type) {
	case Int:
		return float64(val), true
	case Double:
		return float64(val), true
	default:
		return 0, false
	}
}

// IsTruthy reports whether v is true in a boolean context.
// Null and missing are false; zero numbers are false; everything else
// (including empty strings and empty arrays) is true, matching MongoDB.
func IsTruthy(v Value) bool {
	switch val := v.(type) {
	case nil, Null:
		return false
	case Bool:
		return bool(val)
	case Int:
		return val != 0
	case Double:
		return val != 0
	default:
		return true
	}
}

// Equal reports deep document equality. Int and Double compare numerically,
// so Int(5) equals Double(5.0).
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

// typeOrder assigns each value type its position in the cross-type sort
// order (null < numbers < strings < objects < arrays < binary < booleans <
// dates), the order used for cross-type comparison.
func typeOrder(v Value) int {
	switch v.(type) {
	case nil, Null:
		return 0
	case Int, Double:
		return 1
	case String:
		return 2
	case Object:
		return 3
	case Array:
		return 4
	case Binary:
		return 5
	case Bool:
		return 6
	case DateTime:
		return 7
	default:
		return 8
	}
}

// Compare orders two values: -1, 0 or 1. Values of different types order by
// typeOrder; numbers compare numerically across Int/Double.
func Compare(a, b Value) int {
	ta, tb := typeOrder(a), typeOrder(b)
	if ta != tb {
		return cmpInt(ta, tb)
	}
	switch av := a.(type) {
	case nil, Null:
		return 0
	case Int:
		return cmpNumeric(a, b)
	case Double:
		return cmpNumeric(a, b)
	case String:
		bv := b.(String)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case Bool:
		bv := b.(Bool)
		switch {
		case !bool(av) && bool(bv):
			return -1
		case bool(av) && !bool(bv):
			return 1
		}
		return 0
	case DateTime:
		bv := b.(DateTime)
		switch {
		case av.Time().Before(bv.Time()):
			return -1
		case av.Time().After(bv.Time()):
			return 1
		}
		return 0
	case Binary:
		return bytes.Compare(av, []byte(b.(Binary)))
	case Array:
		bv := b.(Array)
		n := len(av)
		if len(bv) < n {
			n = len(bv)
		}
		for i := 0; i < n; i++ {
			if c := Compare(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(av), len(bv))
	case Object:
		bv := b.(Object)
		ka, kb := av.SortedKeys(), bv.SortedKeys()
		n := len(ka)
		if len(kb) < n {
			n = len(kb)
		}
		for i := 0; i < n; i++ {
			if ka[i] != kb[i] {
				if ka[i] < kb[i] {
					return -1
				}
				return 1
			}
			if c := Compare(av[ka[i]], bv[kb[i]]); c != 0 {
				return c
			}
		}
		return cmpInt(len(ka), len(kb))
	default:
		return 0
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cmpNumeric compares two numeric values. Two Ints compare exactly; any
// Double forces float comparison.
func cmpNumeric(a, b Value) int {
	ai, aok := a.(Int)
	bi, bok := b.(Int)
	if aok && bok {
		return cmpInt64(int64(ai), int64(bi))
	}
	af, _ := AsFloat(a)
	bf, _ := AsFloat(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
