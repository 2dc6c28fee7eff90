package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/jobwire/internal/cache/cachetest"
	"github.com/nemanja-m/jobwire/internal/records"
)

func TestServers(t *testing.T) {
	tests := []struct {
		address string
		want    []string
	}{
		{address: "", want: nil},
		{address: "localhost:11211", want: []string{"localhost:11211"}},
		{address: "memcache://a:1, b:2/", want: []string{"a:1", "b:2"}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Servers(tt.address), tt.address)
	}
}

func TestNew_EmptyAddressDisables(t *testing.T) {
	c := New("", 1024, 60)
	require.False(t, c.Enabled())
	require.ErrorIs(t, c.Store("k", nil), ErrDisabled)
	require.Equal(t, int64(0), c.Target(nil).Limit())
}

func TestCache_StoreLoadDelete(t *testing.T) {
	mem := cachetest.NewMemory()
	c := NewWithClient("memcache://fake", mem, 1024, 60)

	require.NoError(t, c.Store("k", []byte("v")))
	item, ok := mem.Item("k")
	require.True(t, ok)
	require.Equal(t, int32(60), item.Expiration)

	data, err := c.Load("k")
	require.NoError(t, err)
	require.Equal(t, "v", string(data))

	require.NoError(t, c.Delete("k"))
	require.NoError(t, c.Delete("k"))
	_, err = c.Load("k")
	require.Error(t, err)
}

func TestTarget_SmallOutputStored(t *testing.T) {
	mem := cachetest.NewMemory()
	c := NewWithClient("fake", mem, 1<<20, 60)
	called := false
	target := c.Target(func() (string, error) {
		called = true
		return t.TempDir(), nil
	})

	out := records.NewOutput(target, 1024)
	require.NoError(t, out.Add(records.DataRecord([]byte("payload"))))
	require.NoError(t, out.Close())

	require.True(t, out.InCache())
	require.False(t, called)
	require.Equal(t, 1, mem.Keys())

	in, err := records.OpenCache(c, out.Name())
	require.NoError(t, err)
	defer in.Close()
	r, err := in.Next()
	require.NoError(t, err)
	require.Equal(t, "payload", string(r.Data))
}

func TestTarget_LargeOutputWritesFile(t *testing.T) {
	mem := cachetest.NewMemory()
	c := NewWithClient("fake", mem, 8, 60)
	dir := filepath.Join(t.TempDir(), "job")
	target := c.Target(func() (string, error) {
		return dir, os.MkdirAll(dir, 0o755)
	})

	out := records.NewOutput(target, 16)
	for range 20 {
		require.NoError(t, out.Add(records.DataRecord([]byte("0123456789"))))
	}
	require.NoError(t, out.Close())

	require.False(t, out.InCache())
	require.Equal(t, dir, filepath.Dir(out.Name()))
	require.Equal(t, 0, mem.Keys())
}
