// Package records implements the split-compressed record files that carry
// job input and intermediate results. A file is a sequence of independent
// zstd frames ("splits"); each split holds length-delimited records encoded
// with the protobuf wire format.
package records

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nemanja-m/jobwire/pkg/tuple"
)

// CachePrefix marks record objects stored in the key/value cache instead of
// the shared filesystem.
const CachePrefix = "cache://"

var ErrCorrupt = errors.New("corrupt record")

// Record is either a raw data record or a key/value record.
type Record struct {
	Data  []byte
	Key   tuple.Tuple
	Value tuple.Tuple

	kv bool
}

func DataRecord(data []byte) Record {
	return Record{Data: data}
}

func KeyValue(key, value tuple.Tuple) Record {
	return Record{Key: key, Value: value, kv: true}
}

func (r Record) IsKeyValue() bool {
	return r.kv
}

// IsCacheName reports whether name refers to a cache object.
func IsCacheName(name string) bool {
	return strings.HasPrefix(name, CachePrefix)
}

// CacheKey strips the cache prefix from name.
func CacheKey(name string) string {
	return strings.TrimPrefix(name, CachePrefix)
}

// Record fields.
const (
	fieldData  protowire.Number = 1
	fieldKey   protowire.Number = 2
	fieldValue protowire.Number = 3
)

// Tuple element fields.
const (
	fieldElement protowire.Number = 1
	elemInt      protowire.Number = 1
	elemString   protowire.Number = 2
	elemNull     protowire.Number = 3
)

func appendRecord(b []byte, r Record) []byte {
	if !r.kv {
		return protowire.AppendBytes(protowire.AppendTag(b, fieldData, protowire.BytesType), r.Data)
	}
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTuple(nil, r.Key))
	b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
	return protowire.AppendBytes(b, appendTuple(nil, r.Value))
}

func appendTuple(b []byte, t tuple.Tuple) []byte {
	for _, v := range t {
		var elem []byte
		switch x := v.(type) {
		case nil:
			elem = protowire.AppendTag(elem, elemNull, protowire.VarintType)
			elem = protowire.AppendVarint(elem, 1)
		case int64:
			elem = protowire.AppendTag(elem, elemInt, protowire.VarintType)
			elem = protowire.AppendVarint(elem, protowire.EncodeZigZag(x))
		case string:
			elem = protowire.AppendTag(elem, elemString, protowire.BytesType)
			elem = protowire.AppendString(elem, x)
		}
		b = protowire.AppendTag(b, fieldElement, protowire.BytesType)
		b = protowire.AppendBytes(b, elem)
	}
	return b
}

func parseRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return Record{}, ErrCorrupt
		}
		b = b[n:]
		field, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Record{}, ErrCorrupt
		}
		b = b[n:]

		switch num {
		case fieldData:
			r.Data = append([]byte(nil), field...)
		case fieldKey:
			key, err := parseTuple(field)
			if err != nil {
				return Record{}, err
			}
			r.Key, r.kv = key, true
		case fieldValue:
			value, err := parseTuple(field)
			if err != nil {
				return Record{}, err
			}
			r.Value, r.kv = value, true
		default:
			return Record{}, fmt.Errorf("%w: unknown field %d", ErrCorrupt, num)
		}
	}
	if r.kv {
		if r.Key == nil {
			r.Key = tuple.Tuple{}
		}
		if r.Value == nil {
			r.Value = tuple.Tuple{}
		}
	}
	return r, nil
}

func parseTuple(b []byte) (tuple.Tuple, error) {
	t := tuple.Tuple{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || num != fieldElement || typ != protowire.BytesType {
			return nil, ErrCorrupt
		}
		b = b[n:]
		elem, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, ErrCorrupt
		}
		b = b[n:]

		num, typ, n = protowire.ConsumeTag(elem)
		if n < 0 {
			return nil, ErrCorrupt
		}
		elem = elem[n:]

		switch {
		case num == elemInt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(elem)
			if n < 0 {
				return nil, ErrCorrupt
			}
			t = append(t, protowire.DecodeZigZag(v))
		case num == elemString && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(elem)
			if n < 0 {
				return nil, ErrCorrupt
			}
			t = append(t, s)
		case num == elemNull && typ == protowire.VarintType:
			if _, n := protowire.ConsumeVarint(elem); n < 0 {
				return nil, ErrCorrupt
			}
			t = append(t, nil)
		default:
			return nil, ErrCorrupt
		}
	}
	return t, nil
}
