// Package tuple implements the heterogeneous keys and values that flow
// through map/reduce jobs: ordered sequences of integers, strings and nulls.
package tuple

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Tuple elements are always int64, string or nil.
type Tuple []any

// Of builds a tuple from Go values. Integers of every width are widened to
// int64; []byte becomes a string.
func Of(values ...any) (Tuple, error) {
	t := make(Tuple, 0, len(values))
	for _, v := range values {
		elem, err := normalize(v)
		if err != nil {
			return nil, err
		}
		t = append(t, elem)
	}
	return t, nil
}

// Must is like Of but panics on unsupported element types.
func Must(values ...any) Tuple {
	t, err := Of(values...)
	if err != nil {
		panic(err)
	}
	return t
}

func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("tuple element %d overflows int64", x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("tuple element %d overflows int64", x)
		}
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return x.String(), nil
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported tuple element of type %T", v)
	}
}

// Int returns element i as an integer.
func (t Tuple) Int(i int) (int64, bool) {
	if i < 0 || i >= len(t) {
		return 0, false
	}
	n, ok := t[i].(int64)
	return n, ok
}

// Str returns element i as a string.
func (t Tuple) Str(i int) (string, bool) {
	if i < 0 || i >= len(t) {
		return "", false
	}
	s, ok := t[i].(string)
	return s, ok
}

func (t Tuple) IsNull(i int) bool {
	return i >= 0 && i < len(t) && t[i] == nil
}

// Compare orders tuples element by element: null < integer < string, and
// a shorter tuple sorts before a longer one with the same prefix.
func Compare(a, b Tuple) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareElem(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case int64:
		return 1
	default:
		return 2
	}
}

func compareElem(a, b any) int {
	if ra, rb := rank(a), rank(b); ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case int64:
		return cmp.Compare(x, b.(int64))
	case string:
		return strings.Compare(x, b.(string))
	}
	return 0
}

func Equal(a, b Tuple) bool {
	return Compare(a, b) == 0
}

func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		switch x := v.(type) {
		case nil:
			parts[i] = "null"
		case int64:
			parts[i] = strconv.FormatInt(x, 10)
		case string:
			parts[i] = strconv.Quote(x)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (t Tuple) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]any(t))
}

func (t *Tuple) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	var values []any
	switch x := raw.(type) {
	case []any:
		values = x
	default:
		values = []any{x}
	}

	parsed, err := Of(values...)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
