package tasks

import "sync"

type Task func() error

// Pool runs tasks on a fixed number of goroutines and keeps the first
// error any of them returned.
type Pool struct {
	numWorkers int
	tasks      chan Task
	wg         sync.WaitGroup

	mu  sync.Mutex
	err error
}

func NewPool(numWorkers int) *Pool {
	return &Pool{
		numWorkers: max(numWorkers, 1),
		tasks:      make(chan Task),
	}
}

func (p *Pool) Start() {
	for range p.numWorkers {
		p.wg.Go(func() {
			for task := range p.tasks {
				if err := task(); err != nil {
					p.fail(err)
				}
			}
		})
	}
}

func (p *Pool) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *Pool) Submit(task Task) {
	p.tasks <- task
}

// Close waits for submitted tasks and returns the first error.
func (p *Pool) Close() error {
	close(p.tasks)
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
