package loop

// ProcessFunc handles activity on a single descriptor.
type ProcessFunc func(fd int, flags Flags)

// Handler owns a set of descriptors and knows how to process their activity.
type Handler interface {
	Descriptors() *Descriptors
	Process(fd int, flags Flags)
}

// Loop is a single-goroutine multiplexer over a descriptor set.
type Loop struct {
	poller      *Poller
	descriptors *Descriptors
	active      bool
}

func New(poller *Poller, descriptors *Descriptors) *Loop {
	return &Loop{poller: poller, descriptors: descriptors}
}

// Step waits once for activity and dispatches the first ready descriptor,
// then returns so the caller sees any change the handler made to the set.
// It returns false when the set is empty, or when blocking is false and no
// descriptor was ready.
func (l *Loop) Step(blocking bool, process ProcessFunc) bool {
	fd, flags, ok := l.poller.Wait(l.descriptors, blocking)
	if !ok {
		return false
	}
	process(fd, flags)
	return true
}

// Run steps the loop until the set runs empty or Stop is called from
// within process.
func (l *Loop) Run(process ProcessFunc) {
	l.active = true
	for l.active {
		if !l.Step(true, process) {
			break
		}
	}
	l.active = false
}

func (l *Loop) Stop() {
	l.active = false
}

// Until steps the loop until done reports true. It returns false when the
// set ran empty first.
func (l *Loop) Until(done func() bool, process ProcessFunc) bool {
	for !done() {
		if !l.Step(true, process) {
			return done()
		}
	}
	return true
}
