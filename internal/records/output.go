package records

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrClosed = errors.New("output closed")

// Target decides where an Output ends up. While the compressed size stays
// within Limit the whole output is handed to Store as a single object;
// beyond it the output spills into a file obtained from Create.
type Target interface {
	Limit() int64
	Store(data []byte) (name string, err error)
	Create() (file *os.File, name string, err error)
}

var encoder = sync.OnceValue(func() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("zstd encoder: %v", err))
	}
	return enc
})

// Output writes records in compressed splits of roughly splitSize
// uncompressed bytes.
type Output struct {
	target    Target
	splitSize int64

	split   []byte
	pending bytes.Buffer
	file    *os.File
	name    string
	size    int64
	records int
	closed  bool
}

func NewOutput(target Target, splitSize int64) *Output {
	return &Output{target: target, splitSize: splitSize}
}

// Create returns an output that always writes to the file at path. The file
// is created with the first split.
func Create(path string, splitSize int64) *Output {
	return NewOutput(&fileTarget{path: path}, splitSize)
}

func (o *Output) Add(r Record) error {
	if o.closed {
		return ErrClosed
	}
	o.split = protowire.AppendBytes(o.split, appendRecord(nil, r))
	o.records++
	if o.splitSize > 0 && int64(len(o.split)) >= o.splitSize {
		return o.finishSplit()
	}
	return nil
}

// Flush compresses the buffered records into a split.
func (o *Output) Flush() error {
	if o.closed {
		return ErrClosed
	}
	if err := o.finishSplit(); err != nil {
		return err
	}
	if o.file != nil {
		return o.file.Sync()
	}
	return nil
}

// Close finishes the output. An output that fits the target limit is stored
// as one object; an output without any record produces no name at all.
func (o *Output) Close() error {
	if o.closed {
		return nil
	}
	if err := o.finishSplit(); err != nil {
		return err
	}
	o.closed = true

	if o.file != nil {
		return o.file.Close()
	}
	if o.size == 0 {
		return nil
	}
	if limit := o.target.Limit(); limit > 0 && o.size <= limit {
		name, err := o.target.Store(o.pending.Bytes())
		if err == nil {
			o.name = name
			o.pending.Reset()
			return nil
		}
		// the cache refused the object, fall back to the filesystem
	}
	if err := o.spill(); err != nil {
		return err
	}
	return o.file.Close()
}

// Spill forces the output into a file even when it would fit the target.
func (o *Output) Spill() error {
	if o.closed {
		return ErrClosed
	}
	if err := o.finishSplit(); err != nil {
		return err
	}
	if o.file != nil {
		return nil
	}
	return o.spill()
}

func (o *Output) finishSplit() error {
	if len(o.split) == 0 {
		return nil
	}
	frame := encoder().EncodeAll(o.split, nil)
	o.split = o.split[:0]
	o.size += int64(len(frame))

	if o.file != nil {
		_, err := o.file.Write(frame)
		return err
	}
	o.pending.Write(frame)
	if limit := o.target.Limit(); limit <= 0 || o.size > limit {
		return o.spill()
	}
	return nil
}

func (o *Output) spill() error {
	file, name, err := o.target.Create()
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if _, err := file.Write(o.pending.Bytes()); err != nil {
		file.Close()
		return fmt.Errorf("write output file: %w", err)
	}
	o.pending.Reset()
	o.file, o.name = file, name
	return nil
}

// Name is the file path or cache:// name of the output. Cache names are
// only known after Close.
func (o *Output) Name() string {
	return o.name
}

// Size is the number of compressed bytes written so far.
func (o *Output) Size() int64 {
	return o.size
}

func (o *Output) Records() int {
	return o.records
}

// InCache reports whether the closed output was stored as a cache object.
func (o *Output) InCache() bool {
	return IsCacheName(o.name)
}

type fileTarget struct {
	path string
}

func (t *fileTarget) Limit() int64 { return 0 }

func (t *fileTarget) Store([]byte) (string, error) {
	return "", errors.New("file target cannot store objects")
}

func (t *fileTarget) Create() (*os.File, string, error) {
	f, err := os.Create(t.path)
	return f, t.path, err
}

// DirTarget writes outputs to uniquely named files in a directory.
type DirTarget struct {
	Dir    string
	Prefix string
}

func (t DirTarget) Limit() int64 { return 0 }

func (t DirTarget) Store([]byte) (string, error) {
	return "", errors.New("directory target cannot store objects")
}

func (t DirTarget) Create() (*os.File, string, error) {
	name := filepath.Join(t.Dir, t.Prefix+uuid.NewString())
	f, err := os.Create(name)
	return f, name, err
}
