package client

import (
	"errors"
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nemanja-m/jobwire/internal/job"
	"github.com/nemanja-m/jobwire/pkg/algorithm"
	"github.com/nemanja-m/jobwire/pkg/tuple"
)

var (
	// ErrRejected is returned by settings and inputs the job no longer
	// accepts, usually because it was started or frozen.
	ErrRejected    = errors.New("rejected")
	ErrDetached    = job.ErrDetached
	ErrNoDirectory = job.ErrNoDirectory
	ErrFinished    = job.ErrFinished
	ErrStarted     = job.ErrStarted
)

type FinalizeError = job.FinalizeError

// Job is one job submitted through a connection.
type Job struct {
	conn *Connection
	impl *job.Impl
}

func NewJob(conn *Connection, algo algorithm.Algorithm) (*Job, error) {
	impl, err := job.New(conn, algo)
	if err != nil {
		return nil, err
	}
	return &Job{conn: conn, impl: impl}, nil
}

func (j *Job) Connection() *Connection {
	return j.conn
}

func (j *Job) Kind() algorithm.Kind {
	return j.impl.Kind()
}

func check(ok bool, name string) error {
	if !ok {
		return fmt.Errorf("%w: %s", ErrRejected, name)
	}
	return nil
}

func (j *Job) SplitSize(bytes int64) error {
	return check(j.impl.SplitSize(bytes), "splitsize")
}

func (j *Job) MaxProcesses(n int) error {
	return check(j.impl.MaxProcesses(n), "maxprocesses")
}

func (j *Job) MaxMappers(n int) error {
	return check(j.impl.MaxMappers(n), "maxmappers")
}

func (j *Job) MaxReducers(n int) error {
	return check(j.impl.MaxReducers(n), "maxreducers")
}

// MaxFinalizers of zero leaves the write phase to this process.
func (j *Job) MaxFinalizers(n int) error {
	return check(j.impl.MaxFinalizers(n), "maxfinalizers")
}

func (j *Job) Modulo(n int) error {
	return check(j.impl.Modulo(n), "modulo")
}

func (j *Job) MaxFiles(mapper, reducer, finalizer int64) error {
	return check(j.impl.MaxFiles(mapper, reducer, finalizer), "maxfiles")
}

// MaxBytes values must be multiples of the split size.
func (j *Job) MaxBytes(mapper, reducer, finalizer int64) error {
	return check(j.impl.MaxBytes(mapper, reducer, finalizer), "maxbytes")
}

func (j *Job) MaxRecords(mapper int64) error {
	return check(j.impl.MaxRecords(mapper), "maxrecords")
}

func (j *Job) Local(local bool) error {
	return check(j.impl.Local(local), "local")
}

// Add appends raw input: a record for map/reduce, a candidate for a race,
// more argument bytes for a task.
func (j *Job) Add(data []byte) error {
	return check(j.impl.Add(data), "add")
}

// AddKV streams a key/value pair into the job's record files.
func (j *Job) AddKV(key, value tuple.Tuple) error {
	return check(j.impl.AddKV(key, value), "add")
}

// Map lists a key/value pair in the descriptor itself, optionally pinned
// to a server.
func (j *Job) Map(key, value tuple.Tuple, server string) error {
	return check(j.impl.Map(key, value, server), "map")
}

// File adds a slice of a record file on the shared filesystem. A size of
// zero means up to the end of the file.
func (j *Job) File(name string, start, size int64, remove bool, server string) error {
	return check(j.impl.File(name, start, size, remove, server), "file")
}

func (j *Job) Directory(name string, remove bool, server string) error {
	return check(j.impl.Directory(name, remove, server), "directory")
}

// Glob adds every regular file matching the patterns as a whole-file input.
func (j *Job) Glob(remove bool, patterns ...string) (int, error) {
	files, err := FindFiles(patterns)
	if err != nil {
		return 0, err
	}
	for _, name := range files {
		if err := j.File(name, 0, 0, remove, ""); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}

// TempDirectory is the job's directory relative to the base directory, or
// "" when the job never needed one.
func (j *Job) TempDirectory() string {
	if dir := j.impl.TempDir(); dir.Created() {
		return dir.Relative()
	}
	return ""
}

// Flush ends the current record file so later records go to a new one.
func (j *Job) Flush() error {
	return check(j.impl.Flush(), "flush")
}

// Start publishes the job. Starting a running job does nothing.
func (j *Job) Start() error {
	return j.impl.Start()
}

// Detach publishes the job if needed and gives up on its result.
func (j *Job) Detach() error {
	return j.impl.Detach()
}

// Wait starts the job if needed and blocks until its result arrived.
// Cluster failures come back as an error twin of the result, not as an
// error. A *FinalizeError is returned together with the result when the
// local write phase failed.
func (j *Job) Wait() (Result, error) {
	if err := j.impl.Wait(); err != nil {
		return nil, err
	}
	return j.Result()
}

// Result returns the outcome of a finished job without blocking.
func (j *Job) Result() (Result, error) {
	if !j.impl.Finished() {
		return nil, fmt.Errorf("job is %s", j.impl.State())
	}
	result := newResult(j.impl.Kind(), j.impl.Result(), j.impl.Failed())
	if err := j.impl.FinalizeErr(); err != nil {
		return result, err
	}
	return result, nil
}

func (j *Job) Finished() bool {
	return j.impl.Finished()
}

// FindFiles expands doublestar patterns into the regular files they match.
func FindFiles(patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}
		for _, name := range matches {
			info, err := os.Lstat(name)
			if err != nil {
				continue
			}
			if info.Mode().IsRegular() {
				files = append(files, name)
			}
		}
	}
	return files, nil
}
