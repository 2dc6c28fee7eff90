package client

import (
	"errors"
	"slices"

	"github.com/nemanja-m/jobwire/internal/loop"
)

// Pool waits on many started jobs with a single event loop.
type Pool struct {
	poller *loop.Poller
	jobs   []*Job
}

func NewPool() *Pool {
	return &Pool{}
}

// Add starts the job and adds it to the pool. All jobs of a pool must
// share one poller. A detached job is rejected with ErrDetached since its
// result never reaches this process.
func (p *Pool) Add(j *Job) error {
	if j.impl.Detached() {
		return ErrDetached
	}
	poller := j.conn.Poller()
	if p.poller != nil && p.poller != poller {
		return errors.New("job uses a different poller than the pool")
	}
	if err := j.Start(); err != nil {
		return err
	}
	p.poller = poller
	p.jobs = append(p.jobs, j)
	return nil
}

// Size is the number of jobs that were not returned yet. Jobs detached
// after Add are dropped and not counted.
func (p *Pool) Size() int {
	p.prune()
	return len(p.jobs)
}

func (p *Pool) prune() {
	p.jobs = slices.DeleteFunc(p.jobs, func(j *Job) bool {
		return j.impl.Detached() && !j.impl.Finished()
	})
}

// Wait blocks until a job finished and removes it from the pool. It
// returns nil when the pool is empty or no job can make progress.
func (p *Pool) Wait() *Job {
	for {
		if j := p.take(); j != nil {
			return j
		}
		descriptors, process := p.handlers()
		if descriptors.Len() == 0 {
			return nil
		}
		if !loop.New(p.poller, descriptors).Step(true, process) {
			return nil
		}
	}
}

// Fetch processes whatever is ready without blocking and returns a
// finished job, or nil.
func (p *Pool) Fetch() *Job {
	for {
		if j := p.take(); j != nil {
			return j
		}
		descriptors, process := p.handlers()
		if descriptors.Len() == 0 {
			return nil
		}
		if !loop.New(p.poller, descriptors).Step(false, process) {
			return nil
		}
	}
}

// take removes the job that finished first.
func (p *Pool) take() *Job {
	p.prune()
	best := -1
	for i, j := range p.jobs {
		if !j.impl.Finished() {
			continue
		}
		if best < 0 || j.impl.Sequence() < p.jobs[best].impl.Sequence() {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	j := p.jobs[best]
	p.jobs = slices.Delete(p.jobs, best, best+1)
	return j
}

// handlers merges the descriptors of every job still waiting for a result
// and returns a dispatcher to the handler owning each descriptor.
func (p *Pool) handlers() (*loop.Descriptors, loop.ProcessFunc) {
	all := loop.NewDescriptors()
	var handlers []loop.Handler
	for _, j := range p.jobs {
		if j.impl.Finished() || j.impl.Detached() {
			continue
		}
		for _, h := range j.impl.Handlers() {
			if !slices.Contains(handlers, h) {
				handlers = append(handlers, h)
				all.Merge(h.Descriptors())
			}
		}
	}
	process := func(fd int, flags loop.Flags) {
		for _, h := range handlers {
			if h.Descriptors().Contains(fd) {
				h.Process(fd, flags)
				return
			}
		}
	}
	return all, process
}
