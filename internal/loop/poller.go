package loop

import (
	"sync"
)

// Poller is a readiness table shared by every event source in the process.
// Sources get a descriptor number from Open, report readiness from any
// goroutine with Notify, and the loop goroutine collects it with Wait.
type Poller struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    int
	pending map[int]Flags
	closed  map[int]struct{}
}

var (
	defaultPoller     *Poller
	defaultPollerOnce sync.Once
)

// Default returns the process-wide poller.
func Default() *Poller {
	defaultPollerOnce.Do(func() {
		defaultPoller = NewPoller()
	})
	return defaultPoller
}

func NewPoller() *Poller {
	p := &Poller{
		next:    3, // 0, 1 and 2 look like stdio in logs
		pending: make(map[int]Flags),
		closed:  make(map[int]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Open allocates a new descriptor number.
func (p *Poller) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := p.next
	p.next++
	return fd
}

// Close drops pending readiness of fd; later notifications are ignored.
func (p *Poller) Close(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, fd)
	p.closed[fd] = struct{}{}
	p.cond.Broadcast()
}

// Notify marks fd ready for flags and wakes blocked waiters.
func (p *Poller) Notify(fd int, flags Flags) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, closed := p.closed[fd]; closed {
		return
	}
	p.pending[fd] |= flags
	p.cond.Broadcast()
}

// Pending reports the readiness recorded for fd that was not yet collected.
func (p *Poller) Pending(fd int) Flags {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[fd]
}

// Wait returns the lowest descriptor of set that is ready for one of the
// flags it is monitored for, and clears that readiness. With blocking false
// it returns ok=false when nothing is ready. An empty set never blocks.
func (p *Poller) Wait(set *Descriptors, blocking bool) (fd int, flags Flags, ok bool) {
	if set.Len() == 0 {
		return 0, 0, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		fd, flags, ok = p.collect(set)
		if ok || !blocking {
			return fd, flags, ok
		}
		p.cond.Wait()
	}
}

// collect must be called with p.mu held.
func (p *Poller) collect(set *Descriptors) (int, Flags, bool) {
	found, foundFlags := 0, Flags(0)
	set.Each(func(fd int, interest Flags) {
		if foundFlags != 0 {
			return
		}
		if ready := p.pending[fd] & interest; ready != 0 {
			found, foundFlags = fd, ready
		}
	})
	if foundFlags == 0 {
		return 0, 0, false
	}

	p.pending[found] &^= foundFlags
	if p.pending[found] == 0 {
		delete(p.pending, found)
	}
	return found, foundFlags, true
}
