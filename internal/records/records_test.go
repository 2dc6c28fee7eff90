package records

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/jobwire/pkg/tuple"
)

type memoryTarget struct {
	limit   int64
	dir     string
	objects map[string][]byte
	files   []string
	refuse  bool
}

func (m *memoryTarget) Limit() int64 { return m.limit }

func (m *memoryTarget) Store(data []byte) (string, error) {
	if m.refuse {
		return "", errors.New("refused")
	}
	key := "obj" + string(rune('a'+len(m.objects)))
	m.objects[key] = append([]byte(nil), data...)
	return CachePrefix + key, nil
}

func (m *memoryTarget) Create() (*os.File, string, error) {
	name := filepath.Join(m.dir, "out"+string(rune('a'+len(m.files))))
	m.files = append(m.files, name)
	f, err := os.Create(name)
	return f, name, err
}

func (m *memoryTarget) Load(key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("miss")
	}
	return data, nil
}

func newMemoryTarget(t *testing.T, limit int64) *memoryTarget {
	return &memoryTarget{limit: limit, dir: t.TempDir(), objects: map[string][]byte{}}
}

func readAll(t *testing.T, in *Input) []Record {
	t.Helper()
	defer in.Close()
	var out []Record
	for r, err := range in.All() {
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestRecordEncoding(t *testing.T) {
	tests := []struct {
		name   string
		record Record
	}{
		{name: "data", record: DataRecord([]byte("hello world"))},
		{name: "empty data", record: DataRecord([]byte{})},
		{name: "key value", record: KeyValue(tuple.Must("a", 1), tuple.Must(nil, -42, "x"))},
		{name: "empty tuples", record: KeyValue(tuple.Tuple{}, tuple.Tuple{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRecord(appendRecord(nil, tt.record))
			require.NoError(t, err)
			require.Equal(t, tt.record.IsKeyValue(), got.IsKeyValue())
			if tt.record.IsKeyValue() {
				require.Equal(t, tt.record.Key, got.Key)
				require.Equal(t, tt.record.Value, got.Value)
			} else {
				require.Equal(t, string(tt.record.Data), string(got.Data))
			}
		})
	}
}

func TestParseRecord_Corrupt(t *testing.T) {
	_, err := parseRecord([]byte{0xff, 0xff})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestOutput_FileRoundTripAcrossSplits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "part0")
	out := Create(path, 64)

	var want []Record
	for i := range 100 {
		r := KeyValue(tuple.Must("word", i), tuple.Must(1))
		want = append(want, r)
		require.NoError(t, out.Add(r))
	}
	require.NoError(t, out.Close())
	require.Equal(t, path, out.Name())
	require.Equal(t, 100, out.Records())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, out.Size(), info.Size())

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Key, got[i].Key)
	}
}

func TestOutput_SmallOutputGoesToCache(t *testing.T) {
	target := newMemoryTarget(t, 1<<20)
	out := NewOutput(target, 1024)

	require.NoError(t, out.Add(DataRecord([]byte("one"))))
	require.NoError(t, out.Add(DataRecord([]byte("two"))))
	require.NoError(t, out.Close())

	require.True(t, out.InCache())
	require.Empty(t, target.files)

	in, err := OpenCache(target, out.Name())
	require.NoError(t, err)
	got := readAll(t, in)
	require.Len(t, got, 2)
	require.Equal(t, "two", string(got[1].Data))
}

func TestOutput_OverflowSpillsToFile(t *testing.T) {
	target := newMemoryTarget(t, 16)
	out := NewOutput(target, 32)

	for i := range 50 {
		require.NoError(t, out.Add(KeyValue(tuple.Must(i), tuple.Must("value"))))
	}
	require.NoError(t, out.Close())

	require.False(t, out.InCache())
	require.Len(t, target.files, 1)
	require.Empty(t, target.objects)

	in, err := Open(target, out.Name(), 0, 0)
	require.NoError(t, err)
	require.Len(t, readAll(t, in), 50)
}

func TestOutput_RefusedStoreFallsBackToFile(t *testing.T) {
	target := newMemoryTarget(t, 1<<20)
	target.refuse = true
	out := NewOutput(target, 1024)

	require.NoError(t, out.Add(DataRecord([]byte("x"))))
	require.NoError(t, out.Close())
	require.Len(t, target.files, 1)
	require.Equal(t, target.files[0], out.Name())
}

func TestOutput_EmptyHasNoName(t *testing.T) {
	target := newMemoryTarget(t, 1<<20)
	out := NewOutput(target, 1024)
	require.NoError(t, out.Close())
	require.Empty(t, out.Name())
	require.Empty(t, target.files)
	require.ErrorIs(t, out.Add(DataRecord(nil)), ErrClosed)
}

func TestOutput_SpillKeepsWriting(t *testing.T) {
	target := newMemoryTarget(t, 1<<20)
	out := NewOutput(target, 1024)

	require.NoError(t, out.Add(DataRecord([]byte("before"))))
	require.NoError(t, out.Spill())
	require.NoError(t, out.Add(DataRecord([]byte("after"))))
	require.NoError(t, out.Close())

	got, err := ReadFile(out.Name())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "after", string(got[1].Data))
}

func TestOpenFile_Slice(t *testing.T) {
	dir := t.TempDir()
	first := Create(filepath.Join(dir, "a"), 1024)
	require.NoError(t, first.Add(DataRecord([]byte("first"))))
	require.NoError(t, first.Close())

	second := Create(filepath.Join(dir, "b"), 1024)
	require.NoError(t, second.Add(DataRecord([]byte("second"))))
	require.NoError(t, second.Close())

	a, err := os.ReadFile(first.Name())
	require.NoError(t, err)
	b, err := os.ReadFile(second.Name())
	require.NoError(t, err)

	joined := filepath.Join(dir, "joined")
	require.NoError(t, os.WriteFile(joined, append(a, b...), 0o644))

	in, err := OpenFile(joined, int64(len(a)), int64(len(b)))
	require.NoError(t, err)
	got := readAll(t, in)
	require.Len(t, got, 1)
	require.Equal(t, "second", string(got[0].Data))

	all, err := ReadFile(joined)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestOpen_CacheWithoutLoader(t *testing.T) {
	_, err := Open(nil, CachePrefix+"key", 0, 0)
	require.Error(t, err)
}
