package tasks

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/nemanja-m/jobwire/internal/records"
	"github.com/nemanja-m/jobwire/pkg/algorithm"
	"github.com/nemanja-m/jobwire/pkg/tuple"
)

const DefaultSplitSize = 10 * 1024 * 1024

type pair struct {
	key   tuple.Tuple
	value tuple.Tuple
}

// PartitionFile is a sorted intermediate file produced by a mapper.
type PartitionFile struct {
	Partition int    `json:"partition"`
	Filename  string `json:"filename"`
}

// MapTask maps input records and writes one key-sorted file per reducer
// partition into Dir.
type MapTask struct {
	Algorithm algorithm.MapReduce
	Modulo    int
	Dir       string
	SplitSize int64
	Loader    records.Loader
}

type partitioner struct {
	partitions [][]pair
}

func (p *partitioner) Emit(key, value tuple.Tuple) error {
	i := Partition(key, len(p.partitions))
	p.partitions[i] = append(p.partitions[i], pair{key: key, value: value})
	return nil
}

func (t *MapTask) Run(entries []gjson.Result) ([]PartitionFile, error) {
	p := &partitioner{partitions: make([][]pair, max(t.Modulo, 1))}

	err := EachInput(entries, t.Loader, func(r records.Record) error {
		key, value := r.Key, r.Value
		if !r.IsKeyValue() {
			key, value = tuple.Tuple{}, tuple.Tuple{string(r.Data)}
		}
		return t.Algorithm.Map(key, value, p)
	})
	if err != nil {
		return nil, fmt.Errorf("map: %w", err)
	}

	prefix := uuid.NewString()
	files := make([]PartitionFile, len(p.partitions))
	pool := NewPool(min(len(p.partitions), runtime.GOMAXPROCS(0)))
	pool.Start()
	for i, pairs := range p.partitions {
		pool.Submit(func() error {
			slices.SortStableFunc(pairs, func(left, right pair) int {
				return tuple.Compare(left.key, right.key)
			})
			name := filepath.Join(t.Dir, fmt.Sprintf("%s-part-%04d", prefix, i))
			written, err := writePairs(name, pairs, t.splitSize())
			if err != nil {
				return err
			}
			files[i] = PartitionFile{Partition: i, Filename: written}
			return nil
		})
	}
	if err := pool.Close(); err != nil {
		return nil, err
	}

	return slices.DeleteFunc(files, func(f PartitionFile) bool { return f.Filename == "" }), nil
}

func (t *MapTask) splitSize() int64 {
	if t.SplitSize > 0 {
		return t.SplitSize
	}
	return DefaultSplitSize
}

func writePairs(name string, pairs []pair, splitSize int64) (string, error) {
	if len(pairs) == 0 {
		return "", nil
	}
	out := records.Create(name, splitSize)
	for _, kv := range pairs {
		if err := out.Add(records.KeyValue(kv.key, kv.value)); err != nil {
			out.Close()
			return "", err
		}
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return out.Name(), nil
}

// ReduceTask merges key-sorted intermediate files and reduces every group
// of equal keys into a single output file in Dir.
type ReduceTask struct {
	Algorithm algorithm.MapReduce
	Dir       string
	SplitSize int64
	Loader    records.Loader
}

type outputWriter struct {
	out *records.Output
}

func (w *outputWriter) Emit(key, value tuple.Tuple) error {
	return w.out.Add(records.KeyValue(key, value))
}

// Run returns the name of the output file, or "" when nothing was written.
func (t *ReduceTask) Run(files []string) (string, error) {
	var inputs []*records.Input
	defer func() {
		for _, in := range inputs {
			in.Close()
		}
	}()
	for _, name := range files {
		in, err := records.Open(t.Loader, name, 0, 0)
		if err != nil {
			return "", err
		}
		inputs = append(inputs, in)
	}

	m, err := newMerger(inputs)
	if err != nil {
		return "", err
	}

	splitSize := t.SplitSize
	if splitSize <= 0 {
		splitSize = DefaultSplitSize
	}
	out := records.Create(filepath.Join(t.Dir, uuid.NewString()+"-reduced"), splitSize)
	w := &outputWriter{out: out}

	var (
		key    tuple.Tuple
		values []tuple.Tuple
	)
	flush := func() error {
		if values == nil {
			return nil
		}
		err := t.Algorithm.Reduce(key, slices.Values(values), w)
		values = nil
		return err
	}

	for {
		r, err := m.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.Close()
			return "", err
		}
		if values != nil && !tuple.Equal(key, r.Key) {
			if err := flush(); err != nil {
				out.Close()
				return "", fmt.Errorf("reduce %s: %w", key, err)
			}
		}
		if values == nil {
			key = r.Key
		}
		values = append(values, r.Value)
	}
	if err := flush(); err != nil {
		out.Close()
		return "", fmt.Errorf("reduce %s: %w", key, err)
	}

	if err := out.Close(); err != nil {
		return "", err
	}
	return out.Name(), nil
}

// WriteTask feeds every record of the given files to the algorithm's
// Write method.
type WriteTask struct {
	Algorithm algorithm.MapReduce
	Loader    records.Loader
}

// Run returns the number of records written.
func (t *WriteTask) Run(files []string) (int, error) {
	written := 0
	err := EachFile(files, t.Loader, func(r records.Record) error {
		key, value := r.Key, r.Value
		if !r.IsKeyValue() {
			key, value = tuple.Tuple{}, tuple.Tuple{string(r.Data)}
		}
		if err := t.Algorithm.Write(key, value); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		written++
		return nil
	})
	return written, err
}
