package records

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Loader fetches cache objects by key.
type Loader interface {
	Load(key string) ([]byte, error)
}

// Input reads the records of a file slice or a cache object in the order
// they were written.
type Input struct {
	decoder *zstd.Decoder
	reader  *bufio.Reader
	closer  io.Closer
	buf     []byte
}

// OpenFile opens size bytes of path starting at start. A size of zero or
// less reads to the end of the file.
func OpenFile(path string, start, size int64) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		size = info.Size() - start
	}

	in, err := newInput(io.NewSectionReader(f, start, size), f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return in, nil
}

// OpenCache opens a cache object by its cache:// name or bare key.
func OpenCache(loader Loader, name string) (*Input, error) {
	data, err := loader.Load(CacheKey(name))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	return OpenBytes(data)
}

// Open opens an input entry by name, dispatching cache names to loader.
func Open(loader Loader, name string, start, size int64) (*Input, error) {
	if IsCacheName(name) {
		if loader == nil {
			return nil, fmt.Errorf("%s: cache is not configured", name)
		}
		return OpenCache(loader, name)
	}
	return OpenFile(name, start, size)
}

func OpenBytes(data []byte) (*Input, error) {
	return newInput(bytes.NewReader(data), nil)
}

func newInput(r io.Reader, closer io.Closer) (*Input, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &Input{decoder: dec, reader: bufio.NewReader(dec), closer: closer}, nil
}

// Next returns the next record, or io.EOF after the last one.
func (in *Input) Next() (Record, error) {
	n, err := binary.ReadUvarint(in.reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if uint64(cap(in.buf)) < n {
		in.buf = make([]byte, n)
	}
	in.buf = in.buf[:n]
	if _, err := io.ReadFull(in.reader, in.buf); err != nil {
		return Record{}, fmt.Errorf("%w: truncated record: %v", ErrCorrupt, err)
	}
	return parseRecord(in.buf)
}

// All iterates the remaining records. Iteration stops after the first error.
func (in *Input) All() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			r, err := in.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}

func (in *Input) Close() error {
	in.decoder.Close()
	if in.closer != nil {
		return in.closer.Close()
	}
	return nil
}

// ReadFile reads every record of the file at path.
func ReadFile(path string) ([]Record, error) {
	in, err := OpenFile(path, 0, 0)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	var out []Record
	for r, err := range in.All() {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
