// Package broker owns the AMQP connection jobs are published over.
//
// The amqp091 client delivers confirmations, deliveries and close
// notifications on its own goroutines. Rabbit funnels all of them through
// an inbox that is drained on the event-loop goroutine, so every state
// change of a Rabbit (and of the jobs and feedback queues around it)
// happens on that goroutine only.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nemanja-m/jobwire/internal/loop"
	"github.com/nemanja-m/jobwire/internal/shared/logging"
)

const publishTimeout = 30 * time.Second

var ErrClosed = errors.New("rabbitmq connection closed")

// Options name the broker and the queues jobs are published to.
type Options struct {
	URL       string
	Exchange  string
	MapReduce string
	Races     string
	Jobs      string
}

// Watcher is told when the connection is lost.
type Watcher interface {
	ConnectionLost(err error)
}

type Rabbit struct {
	options Options
	dial    Dialer
	poller  *loop.Poller
	logger  logging.Logger

	fd          int
	descriptors *loop.Descriptors

	conn       Connection
	generation int
	channels   int
	closed     bool
	watchers   []Watcher

	mu    sync.Mutex
	inbox []func()
}

// New connects to the broker and blocks until the connection is ready or
// has failed.
func New(options Options, dial Dialer, poller *loop.Poller, logger logging.Logger) (*Rabbit, error) {
	r := &Rabbit{
		options:     options,
		dial:        dial,
		poller:      poller,
		logger:      logger,
		fd:          poller.Open(),
		descriptors: loop.NewDescriptors(),
	}
	if err := r.connect(); err != nil {
		r.poller.Close(r.fd)
		return nil, err
	}
	return r, nil
}

func (r *Rabbit) connect() error {
	r.generation++
	generation := r.generation
	r.descriptors.Add(r.fd, loop.Readable)

	var (
		done    bool
		failure error
	)
	go func() {
		conn, err := r.dial(r.options.URL)
		r.Post(func() {
			done = true
			if err != nil {
				failure = err
				return
			}
			if generation != r.generation {
				conn.Close()
				failure = ErrClosed
				return
			}
			r.attach(conn, generation)
		})
	}()

	loop.New(r.poller, r.descriptors).Until(func() bool { return done }, r.Process)

	if failure != nil {
		r.descriptors.Remove(r.fd)
		r.logger.Warn("rabbitmq connection failed", "address", r.options.URL, "error", failure)
		return fmt.Errorf("rabbitmq error: %w", failure)
	}
	r.logger.Debug("rabbitmq connected", "address", r.options.URL)
	return nil
}

func (r *Rabbit) attach(conn Connection, generation int) {
	r.conn = conn
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		err, ok := <-closes
		if !ok || err == nil {
			return
		}
		r.Post(func() { r.lost(generation, err) })
	}()
}

func (r *Rabbit) lost(generation int, err *amqp.Error) {
	if generation != r.generation || r.conn == nil {
		return
	}
	r.logger.Warn("rabbitmq connection lost", "address", r.options.URL, "error", err.Error())

	r.conn = nil
	r.channels = 0
	r.generation++
	r.descriptors.Remove(r.fd)

	watchers := append([]Watcher(nil), r.watchers...)
	for _, w := range watchers {
		w.ConnectionLost(fmt.Errorf("rabbitmq error: %s", err.Error()))
	}
}

// ensure reconnects after a lost connection.
func (r *Rabbit) ensure() error {
	if r.closed {
		return ErrClosed
	}
	if r.conn != nil {
		return nil
	}
	return r.connect()
}

// Post queues fn to run on the loop goroutine. Safe for concurrent use.
func (r *Rabbit) Post(fn func()) {
	r.mu.Lock()
	r.inbox = append(r.inbox, fn)
	r.mu.Unlock()
	r.poller.Notify(r.fd, loop.Readable)
}

func (r *Rabbit) Descriptors() *loop.Descriptors {
	return r.descriptors
}

// Process runs the callbacks posted since the last call.
func (r *Rabbit) Process(fd int, flags loop.Flags) {
	if fd != r.fd {
		return
	}
	r.mu.Lock()
	inbox := r.inbox
	r.inbox = nil
	r.mu.Unlock()

	for _, fn := range inbox {
		fn()
	}
}

func (r *Rabbit) Poller() *loop.Poller {
	return r.poller
}

func (r *Rabbit) Connected() bool {
	return r.conn != nil
}

// Channels is the number of channels still open for publishes and
// feedback queues.
func (r *Rabbit) Channels() int {
	return r.channels
}

// OpenChannel opens a channel that counts towards Channels until the
// returned release function is called.
func (r *Rabbit) OpenChannel() (Channel, func(), error) {
	if err := r.ensure(); err != nil {
		return nil, nil, err
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq error: %w", err)
	}

	r.channels++
	generation := r.generation
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if generation == r.generation {
			r.channels--
		}
	}
	return ch, release, nil
}

func (r *Rabbit) Watch(w Watcher) {
	r.watchers = append(r.watchers, w)
}

func (r *Rabbit) Unwatch(w Watcher) {
	for i, existing := range r.watchers {
		if existing == w {
			r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
			return
		}
	}
}

// Publish sends body to queue through the configured exchange on a
// dedicated confirm-mode channel. The channel is closed once the broker
// confirms the message.
func (r *Rabbit) Publish(queue string, body []byte) error {
	ch, release, err := r.OpenChannel()
	if err != nil {
		r.logger.Warn("publish failed", "queue", queue, "error", err)
		return err
	}

	fail := func(err error) error {
		ch.Close()
		release()
		r.logger.Warn("publish failed", "queue", queue, "error", err)
		return fmt.Errorf("rabbitmq error: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		return fail(err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(ctx, r.options.Exchange, queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fail(err)
	}

	go func() {
		confirm, ok := <-confirms
		r.Post(func() {
			if !ok || !confirm.Ack {
				r.logger.Warn("publish not confirmed", "queue", queue)
			}
			ch.Close()
			release()
		})
	}()
	return nil
}

// QueueFor maps a job kind to the queue it is published to.
func (r *Rabbit) QueueFor(kind string) (string, error) {
	switch kind {
	case "mapreduce":
		return r.options.MapReduce, nil
	case "race":
		return r.options.Races, nil
	case "task":
		return r.options.Jobs, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
}

func (r *Rabbit) PublishKind(kind string, body []byte) error {
	queue, err := r.QueueFor(kind)
	if err != nil {
		return err
	}
	return r.Publish(queue, body)
}

// Flush steps the loop until every publish has been confirmed and every
// channel has been closed.
func (r *Rabbit) Flush() {
	loop.New(r.poller, r.descriptors).Until(func() bool { return r.channels == 0 }, r.Process)
}

// Wait steps the loop until done reports true or the connection is gone.
func (r *Rabbit) Wait(done func() bool) bool {
	return loop.New(r.poller, r.descriptors).Until(done, r.Process)
}

func (r *Rabbit) Options() Options {
	return r.options
}

func (r *Rabbit) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.generation++
	r.channels = 0
	r.descriptors.Remove(r.fd)
	r.poller.Close(r.fd)

	if r.conn == nil {
		return nil
	}
	conn := r.conn
	r.conn = nil
	return conn.Close()
}
