// Package sink decides where records emitted by a job's client end up.
package sink

import (
	"errors"
	"fmt"

	"github.com/nemanja-m/jobwire/internal/cache"
	"github.com/nemanja-m/jobwire/internal/descriptor"
	"github.com/nemanja-m/jobwire/internal/records"
	"github.com/nemanja-m/jobwire/internal/tempdir"
)

// State is the lifecycle state of the job owning a sink.
type State int

const (
	StateInitialize State = iota
	StateFrozen
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInitialize:
		return "initialize"
	case StateFrozen:
		return "frozen"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrClosed = errors.New("job no longer accepts input")

// Sink writes records into cache objects or files in the job directory.
// While the job initializes, small outputs become cache objects listed in
// the descriptor. Once the job is frozen the descriptor is shared with other
// processes, so records only go to files in the already listed directory.
type Sink struct {
	state     func() State
	data      *descriptor.Data
	cache     *cache.Cache
	dir       *tempdir.TempDir
	splitSize int64

	output  *records.Output
	listed  bool
	emitted bool
}

func New(state func() State, data *descriptor.Data, c *cache.Cache, dir *tempdir.TempDir, splitSize int64) *Sink {
	return &Sink{
		state:     state,
		data:      data,
		cache:     c,
		dir:       dir,
		splitSize: splitSize,
		listed:    data.JobDirectory() == dir.Relative(),
	}
}

// Directory creates the job directory and lists it in the descriptor.
func (s *Sink) Directory() (string, error) {
	if err := s.dir.Create(); err != nil {
		return "", err
	}
	if !s.listed {
		if s.state() != StateInitialize {
			return "", fmt.Errorf("%w: directory %s is not listed", ErrClosed, s.dir.Relative())
		}
		if err := s.data.ListDirectory(s.dir.Relative()); err != nil {
			return "", err
		}
		s.listed = true
	}
	return s.dir.Full(), nil
}

// Output returns the output the next record goes to, opening one if needed.
func (s *Sink) Output() (*records.Output, error) {
	if s.output != nil {
		return s.output, nil
	}

	switch s.state() {
	case StateInitialize:
		s.output = records.NewOutput(s.cache.Target(s.Directory), s.splitSize)
	case StateFrozen:
		dir, err := s.Directory()
		if err != nil {
			return nil, err
		}
		s.output = records.NewOutput(records.DirTarget{Dir: dir}, s.splitSize)
	default:
		return nil, ErrClosed
	}
	return s.output, nil
}

func (s *Sink) Add(r records.Record) error {
	out, err := s.Output()
	if err != nil {
		return err
	}
	if err := out.Add(r); err != nil {
		return err
	}
	s.emitted = true
	return nil
}

// Sync finishes pending output. A cache object is listed in the descriptor
// and forgotten. With keep set, a file output is flushed to disk and stays
// open for more records; otherwise it is closed.
func (s *Sink) Sync(keep bool) error {
	if s.output == nil {
		return nil
	}
	if keep {
		if s.output.Records() == 0 {
			return nil
		}
		if err := s.output.Spill(); err != nil {
			return err
		}
		return s.output.Flush()
	}

	out := s.output
	s.output = nil
	if err := out.Close(); err != nil {
		return err
	}
	if out.InCache() {
		return s.data.CacheObject(out.Name(), out.Size())
	}
	return nil
}

// Flush makes later records land in a new output.
func (s *Sink) Flush() error {
	return s.Sync(false)
}

// Emitted reports whether any record went through the sink.
func (s *Sink) Emitted() bool {
	return s.emitted
}

func (s *Sink) SetSplitSize(size int64) {
	s.splitSize = size
}
