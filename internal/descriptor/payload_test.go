package descriptor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPayload_RoundTrip(t *testing.T) {
	p := Payload{Name: "grep", Object: json.RawMessage(`{"pattern":"Gregor"}`), Cache: testCache}
	encoded, err := p.Encode()
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(encoded, Separator))

	decoded, rest, err := DecodePayload([]byte(encoded + `["a","b"]`))
	require.NoError(t, err)
	require.Equal(t, "grep", decoded.Name)
	require.JSONEq(t, `{"pattern":"Gregor"}`, string(decoded.Object))
	require.Equal(t, testCache, decoded.Cache)
	require.Equal(t, `["a","b"]`, string(rest))
}

func TestPayload_NilObject(t *testing.T) {
	encoded, err := Payload{Name: "noop"}.Encode()
	require.NoError(t, err)

	decoded, rest, err := DecodePayload([]byte(encoded))
	require.NoError(t, err)
	require.Equal(t, "null", string(decoded.Object))
	require.Empty(t, rest)
}

func TestDecodePayload_Errors(t *testing.T) {
	tests := []struct {
		name  string
		stdin string
	}{
		{name: "no separator", stdin: "abc"},
		{name: "not base64", stdin: "!!!\n\n"},
		{name: "not an array", stdin: "e30=\n\n"},
		{name: "wrong length", stdin: "WzFd\n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodePayload([]byte(tt.stdin))
			require.Error(t, err)
		})
	}
}
