package loop

import "sort"

// Flags describes the readiness a descriptor is monitored for.
type Flags int

const (
	Readable Flags = 1 << iota
	Writable
)

// Descriptors is a mutable set of descriptors tagged readable and/or writable.
// It is not safe for concurrent use; only the loop goroutine mutates it.
type Descriptors struct {
	all     map[int]struct{}
	read    map[int]struct{}
	write   map[int]struct{}
	highest int
}

func NewDescriptors() *Descriptors {
	return &Descriptors{
		all:   make(map[int]struct{}),
		read:  make(map[int]struct{}),
		write: make(map[int]struct{}),
	}
}

// Add starts monitoring fd for the given flags. Zero flags remove fd.
func (d *Descriptors) Add(fd int, flags Flags) {
	if flags == 0 {
		d.Remove(fd)
		return
	}

	d.all[fd] = struct{}{}
	if flags&Readable != 0 {
		d.read[fd] = struct{}{}
	} else {
		delete(d.read, fd)
	}
	if flags&Writable != 0 {
		d.write[fd] = struct{}{}
	} else {
		delete(d.write, fd)
	}

	if fd > d.highest {
		d.highest = fd
	}
}

func (d *Descriptors) Remove(fd int) {
	delete(d.all, fd)
	delete(d.read, fd)
	delete(d.write, fd)

	if fd != d.highest {
		return
	}
	d.highest = 0
	for other := range d.all {
		if other > d.highest {
			d.highest = other
		}
	}
}

// Merge adds every descriptor of other to d, keeping its flags.
func (d *Descriptors) Merge(other *Descriptors) {
	if other == nil {
		return
	}
	for fd := range other.all {
		d.all[fd] = struct{}{}
	}
	for fd := range other.read {
		d.read[fd] = struct{}{}
	}
	for fd := range other.write {
		d.write[fd] = struct{}{}
	}
	d.highest = max(d.highest, other.highest)
}

func (d *Descriptors) Contains(fd int) bool {
	_, ok := d.all[fd]
	return ok
}

// Flags returns the flags fd is monitored for, or 0 when it is not in the set.
func (d *Descriptors) Flags(fd int) Flags {
	var flags Flags
	if _, ok := d.read[fd]; ok {
		flags |= Readable
	}
	if _, ok := d.write[fd]; ok {
		flags |= Writable
	}
	return flags
}

func (d *Descriptors) Highest() int {
	return d.highest
}

func (d *Descriptors) Len() int {
	return len(d.all)
}

// Each calls fn for every descriptor in ascending order.
func (d *Descriptors) Each(fn func(fd int, flags Flags)) {
	fds := make([]int, 0, len(d.all))
	for fd := range d.all {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	for _, fd := range fds {
		fn(fd, d.Flags(fd))
	}
}
