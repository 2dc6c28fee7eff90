package feedback

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/nemanja-m/jobwire/internal/loop"
	"github.com/nemanja-m/jobwire/internal/shared/logging"
)

// Listener accepts a single TCP connection and reads the result from it
// until the peer closes.
type Listener struct {
	owner       Owner
	poller      *loop.Poller
	logger      logging.Logger
	listener    net.Listener
	address     string
	fd          int
	descriptors *loop.Descriptors

	mu      sync.Mutex
	body    []byte
	failure error

	ready  bool
	closed bool
}

// NewListener binds an ephemeral port. The advertised host is the local
// address the system would use to reach probe; nothing is sent to it.
func NewListener(owner Owner, poller *loop.Poller, probe string, logger logging.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	l := &Listener{
		owner:       owner,
		poller:      poller,
		logger:      logger,
		listener:    ln,
		address:     net.JoinHostPort(RoutableIP(probe), strconv.Itoa(port)),
		fd:          poller.Open(),
		descriptors: loop.NewDescriptors(),
	}
	l.descriptors.Add(l.fd, loop.Readable)

	go l.accept()

	logger.Debug("feedback listener bound", "address", l.address)
	return l, nil
}

// RoutableIP returns the local IP used for traffic towards probe, or the
// loopback address when there is no route.
func RoutableIP(probe string) string {
	conn, err := net.Dial("udp", probe)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

func (l *Listener) accept() {
	conn, err := l.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return
		}
		l.deliver(nil, err)
		return
	}
	defer conn.Close()

	body, err := io.ReadAll(conn)
	l.deliver(body, err)
}

func (l *Listener) deliver(body []byte, err error) {
	l.mu.Lock()
	l.body, l.failure = body, err
	l.mu.Unlock()
	l.poller.Notify(l.fd, loop.Readable)
}

func (l *Listener) Descriptors() *loop.Descriptors {
	return l.descriptors
}

func (l *Listener) Process(fd int, flags loop.Flags) {
	if fd != l.fd || l.ready {
		return
	}
	l.ready = true

	l.mu.Lock()
	body, failure := l.body, l.failure
	l.mu.Unlock()

	l.Close()
	if failure != nil {
		l.owner.OnError(l, fmt.Sprintf("feedback listener: %v", failure))
		return
	}
	l.owner.OnReceived(l, body)
}

func (l *Listener) Address() string {
	return l.address
}

func (l *Listener) Handler() loop.Handler {
	return l
}

func (l *Listener) Wait() error {
	loop.New(l.poller, l.descriptors).Until(func() bool { return l.ready }, l.Process)
	if !l.ready {
		return ErrNoResult
	}
	return nil
}

func (l *Listener) Ready() bool {
	return l.ready
}

func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.descriptors.Remove(l.fd)
	l.poller.Close(l.fd)
	return l.listener.Close()
}
