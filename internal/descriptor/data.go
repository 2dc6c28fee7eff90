// Package descriptor holds the JSON document that describes a job to the
// cluster. The document is edited in place so that a parsed descriptor
// serializes back to the same bytes when nothing changed.
package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nemanja-m/jobwire/internal/tempdir"
	"github.com/nemanja-m/jobwire/pkg/algorithm"
	"github.com/nemanja-m/jobwire/pkg/tuple"
)

const defaultProcesses = 20

var (
	ErrInvalid   = errors.New("invalid job descriptor")
	ErrWrongKind = errors.New("setting does not apply to this kind of job")
)

type executable struct {
	Executable string          `json:"executable"`
	Arguments  []string        `json:"arguments"`
	Stdin      string          `json:"stdin"`
	Limit      json.RawMessage `json:"limit"`
}

func newExecutable(name, mode, stdin string) executable {
	return executable{Executable: name, Arguments: []string{mode}, Stdin: stdin, Limit: json.RawMessage("{}")}
}

// Data is a job descriptor.
type Data struct {
	raw  []byte
	kind algorithm.Kind
}

// New builds the descriptor for a job of the given kind. The payload is
// the worker stdin header produced by Payload.Encode.
func New(kind algorithm.Kind, payload, worker string, cache CacheInfo) (*Data, error) {
	d := &Data{raw: []byte("{}"), kind: kind}

	var err error
	switch kind {
	case algorithm.KindMapReduce:
		err = d.setAll(
			field{"processes", defaultProcesses},
			field{"input", []any{}},
			field{"modulo", 1},
			field{"mapper", newExecutable(worker, "mapper", payload)},
			field{"reducer", newExecutable(worker, "reducer", payload)},
			field{"finalizer", newExecutable(worker, "finalizer", payload)},
			field{"cache", cache},
		)
	case algorithm.KindRace:
		err = d.setAll(
			field{"executable", worker},
			field{"arguments", []string{"run"}},
			field{"stdin", payload},
			field{"input", []any{}},
		)
	case algorithm.KindTask:
		err = d.setAll(
			field{"executable", worker},
			field{"arguments", []string{"run"}},
			field{"stdin", payload},
		)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Parse adopts an existing descriptor and infers its kind: mapper and
// reducer mean map/reduce, any input means race, anything else is a task.
func Parse(raw []byte) (*Data, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, ErrInvalid
	}
	d := &Data{raw: append([]byte(nil), raw...)}
	switch {
	case d.Get("mapper").Exists() && d.Get("reducer").Exists():
		d.kind = algorithm.KindMapReduce
	case d.Get("input").Exists():
		d.kind = algorithm.KindRace
	default:
		d.kind = algorithm.KindTask
	}
	return d, nil
}

type field struct {
	path  string
	value any
}

func (d *Data) setAll(fields ...field) error {
	for _, f := range fields {
		if err := d.set(f.path, f.value); err != nil {
			return err
		}
	}
	return nil
}

func (d *Data) set(path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return d.setRaw(path, raw)
}

func (d *Data) setRaw(path string, value []byte) error {
	out, err := sjson.SetRawBytes(d.raw, path, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	d.raw = out
	return nil
}

func (d *Data) Kind() algorithm.Kind {
	return d.kind
}

func (d *Data) Bytes() []byte {
	return d.raw
}

func (d *Data) String() string {
	return string(d.raw)
}

func (d *Data) Get(path string) gjson.Result {
	return gjson.GetBytes(d.raw, path)
}

func (d *Data) mapReduceOnly() error {
	if d.kind != algorithm.KindMapReduce {
		return ErrWrongKind
	}
	return nil
}

func (d *Data) MaxProcesses(n int) error {
	return d.set("processes", n)
}

func (d *Data) MaxMappers(n int) error {
	if err := d.mapReduceOnly(); err != nil {
		return err
	}
	return d.set("mapper.limit.processes", n)
}

func (d *Data) MaxReducers(n int) error {
	if err := d.mapReduceOnly(); err != nil {
		return err
	}
	return d.set("reducer.limit.processes", n)
}

// MaxFinalizers limits the finalizer processes. Zero removes the finalizer
// so the cluster leaves the write phase to the client.
func (d *Data) MaxFinalizers(n int) error {
	if err := d.mapReduceOnly(); err != nil {
		return err
	}
	if n == 0 {
		out, err := sjson.DeleteBytes(d.raw, "finalizer")
		if err != nil {
			return fmt.Errorf("delete finalizer: %w", err)
		}
		d.raw = out
		return nil
	}
	if !d.Get("finalizer").Exists() {
		mapper := d.Get("mapper")
		finalizer := newExecutable(mapper.Get("executable").String(), "finalizer", mapper.Get("stdin").String())
		if err := d.set("finalizer", finalizer); err != nil {
			return err
		}
	}
	return d.set("finalizer.limit.processes", n)
}

func (d *Data) Modulo(n int) error {
	if err := d.mapReduceOnly(); err != nil {
		return err
	}
	return d.set("modulo", n)
}

func (d *Data) phaseLimits(name string, mapper, reducer, finalizer int64) error {
	if err := d.mapReduceOnly(); err != nil {
		return err
	}
	phases := []struct {
		phase string
		value int64
	}{{"mapper", mapper}, {"reducer", reducer}, {"finalizer", finalizer}}

	for _, p := range phases {
		if p.value == 0 || !d.Get(p.phase).Exists() {
			continue
		}
		if err := d.set(p.phase+".limit."+name, p.value); err != nil {
			return err
		}
	}
	return nil
}

// MaxFiles limits the files per process of each phase. Zero leaves a
// phase unchanged.
func (d *Data) MaxFiles(mapper, reducer, finalizer int64) error {
	return d.phaseLimits("files", mapper, reducer, finalizer)
}

func (d *Data) MaxBytes(mapper, reducer, finalizer int64) error {
	return d.phaseLimits("bytes", mapper, reducer, finalizer)
}

func (d *Data) MaxRecords(mapper int64) error {
	if err := d.mapReduceOnly(); err != nil {
		return err
	}
	return d.set("mapper.limit.records", mapper)
}

func (d *Data) Local(local bool) error {
	return d.set("local", local)
}

type dataEntry struct {
	Data string `json:"data"`
}

type kvEntry struct {
	Key    tuple.Tuple `json:"key"`
	Value  tuple.Tuple `json:"value"`
	Server string      `json:"server,omitempty"`
}

type fileEntry struct {
	Filename string `json:"filename"`
	Start    int64  `json:"start"`
	Size     int64  `json:"size"`
	Remove   bool   `json:"remove"`
	Server   string `json:"server,omitempty"`
}

type directoryEntry struct {
	Directory string `json:"directory"`
	Remove    bool   `json:"remove"`
	Server    string `json:"server,omitempty"`
}

func (d *Data) appendInput(entry any) error {
	if !d.Get("input").IsArray() {
		return fmt.Errorf("%w: job takes no input list", ErrWrongKind)
	}
	return d.set("input.-1", entry)
}

// Add appends an inline data entry.
func (d *Data) Add(data string) error {
	return d.appendInput(dataEntry{Data: data})
}

func (d *Data) KV(key, value tuple.Tuple, server string) error {
	return d.appendInput(kvEntry{Key: key, Value: value, Server: server})
}

func (d *Data) File(filename string, start, size int64, remove bool, server string) error {
	return d.appendInput(fileEntry{Filename: filename, Start: start, Size: size, Remove: remove, Server: server})
}

func (d *Data) Directory(name string, remove bool, server string) error {
	return d.appendInput(directoryEntry{Directory: name, Remove: remove, Server: server})
}

// CacheObject appends a cache:// object. The cluster removes it after use.
func (d *Data) CacheObject(name string, size int64) error {
	return d.File(name, 0, size, true, "")
}

// TempQueue sets the queue the cluster replies to.
func (d *Data) TempQueue(name string) error {
	return d.setAll(field{"exchange", ""}, field{"routingkey", name})
}

// Listener sets the host:port the cluster connects to with the result.
func (d *Data) Listener(address string) error {
	return d.set("feedback", address)
}

// Argument replaces the part of a task's stdin that follows the payload
// header.
func (d *Data) Argument(encoded string) error {
	if d.kind != algorithm.KindTask {
		return ErrWrongKind
	}
	header, _, found := strings.Cut(d.Get("stdin").String(), Separator)
	if !found {
		return fmt.Errorf("%w: stdin has no payload header", ErrInvalid)
	}
	return d.set("stdin", header+Separator+encoded)
}

// Stdin returns the standard input of a race or task worker.
func (d *Data) Stdin() string {
	return d.Get("stdin").String()
}

// Inputs returns the raw input entries.
func (d *Data) Inputs() []gjson.Result {
	return d.Get("input").Array()
}

// ListDirectory records the job's own directory: as a removable input entry
// when the job takes input, as the top-level directory otherwise.
func (d *Data) ListDirectory(name string) error {
	if d.Get("input").IsArray() {
		return d.Directory(name, true, "")
	}
	return d.set("directory", name)
}

// JobDirectory returns the job's own removable tmp/<uuid> input entry, or
// the top-level directory of a task, or "". Directories added by the user
// are never taken for it.
func (d *Data) JobDirectory() string {
	for _, entry := range d.Inputs() {
		dir := entry.Get("directory")
		if dir.Exists() && entry.Get("remove").Bool() && tempdir.IsJob(dir.String()) {
			return dir.String()
		}
	}
	return d.Get("directory").String()
}

// MapperPayload returns the stdin every map/reduce phase is started with.
// The finalizer may have been removed, the mapper never is.
func (d *Data) MapperPayload() string {
	return d.Get("mapper.stdin").String()
}

func (d *Data) HasFinalizer() bool {
	return d.Get("finalizer").Exists()
}
