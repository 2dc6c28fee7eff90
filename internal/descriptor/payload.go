package descriptor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Separator ends the payload header in a worker's standard input.
const Separator = "\n\n"

var ErrNoPayload = errors.New("missing payload separator")

// CacheInfo describes the cache workers write their output to.
type CacheInfo struct {
	Address string `json:"address"`
	MaxSize int64  `json:"maxsize"`
	TTL     int64  `json:"ttl"`
}

// Payload is the header of every worker's standard input: what to run and
// where its cache lives.
type Payload struct {
	Name   string
	Object json.RawMessage
	Cache  CacheInfo
}

// Encode returns base64 of [name, object, address, maxsize, ttl] followed
// by the separator.
func (p Payload) Encode() (string, error) {
	object := p.Object
	if len(object) == 0 {
		object = json.RawMessage("null")
	}
	header, err := json.Marshal([]any{p.Name, object, p.Cache.Address, p.Cache.MaxSize, p.Cache.TTL})
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(header) + Separator, nil
}

// DecodePayload splits standard input into the payload header and the
// mode-specific rest.
func DecodePayload(stdin []byte) (Payload, []byte, error) {
	header, rest, found := bytes.Cut(stdin, []byte(Separator))
	if !found {
		return Payload{}, nil, ErrNoPayload
	}

	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(header)))
	if err != nil {
		return Payload{}, nil, fmt.Errorf("decode payload: %w", err)
	}

	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Payload{}, nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(fields) != 5 {
		return Payload{}, nil, fmt.Errorf("decode payload: expected 5 fields, got %d", len(fields))
	}

	var p Payload
	p.Object = fields[1]
	targets := []any{&p.Name, nil, &p.Cache.Address, &p.Cache.MaxSize, &p.Cache.TTL}
	for i, target := range targets {
		if target == nil {
			continue
		}
		if err := json.Unmarshal(fields[i], target); err != nil {
			return Payload{}, nil, fmt.Errorf("decode payload field %d: %w", i, err)
		}
	}
	return p, rest, nil
}
