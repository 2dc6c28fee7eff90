// Package amqptest provides an in-memory broker implementing the broker
// connection interfaces, for tests.
package amqptest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nemanja-m/jobwire/internal/broker"
)

const deliveryBuffer = 16

// Message is a publish recorded by the server.
type Message struct {
	Exchange string
	Key      string
	Body     []byte
}

type consumer struct {
	tag        string
	channel    *channel
	deliveries chan amqp.Delivery
}

type queue struct {
	name      string
	consumers []*consumer
	backlog   [][]byte
}

// Server is an in-memory broker. Confirmations are sent as soon as a
// message is published unless HoldConfirms is set.
type Server struct {
	mu        sync.Mutex
	conns     []*connection
	queues    map[string]*queue
	published []Message
	deleted   []string
	held      []func()
	refuse    error
	nextQueue int
	nextTag   uint64
	channels  int
	acks      int
	hold      bool

	onPublish func(Message)
}

func NewServer() *Server {
	return &Server{queues: make(map[string]*queue)}
}

// Dial satisfies broker.Dialer.
func (s *Server) Dial(url string) (broker.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse != nil {
		return nil, s.refuse
	}
	c := &connection{server: s}
	s.conns = append(s.conns, c)
	return c, nil
}

// Refuse makes later dials fail with err. A nil err accepts dials again.
func (s *Server) Refuse(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = err
}

// OnPublish installs a hook called after every publish, outside the
// server lock. Hooks typically answer with Reply.
func (s *Server) OnPublish(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPublish = fn
}

// HoldConfirms delays publish confirmations until ReleaseConfirms.
func (s *Server) HoldConfirms() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = true
}

func (s *Server) ReleaseConfirms() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = false
	for _, fn := range s.held {
		fn()
	}
	s.held = nil
}

// Reply delivers body to the named queue.
func (s *Server) Reply(queueName string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return fmt.Errorf("no queue %q", queueName)
	}
	s.deliver(q, body)
	return nil
}

func (s *Server) deliver(q *queue, body []byte) {
	for _, c := range q.consumers {
		s.nextTag++
		select {
		case c.deliveries <- amqp.Delivery{Body: body, DeliveryTag: s.nextTag, RoutingKey: q.name}:
			return
		default:
		}
	}
	q.backlog = append(q.backlog, body)
}

// Drop simulates the broker closing every connection with reason.
func (s *Server) Drop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
	}
	s.conns = nil
}

func (s *Server) Published() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.published...)
}

// OpenChannels counts channels that were opened and not yet closed.
func (s *Server) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels
}

// Queues returns the names of declared queues that were not deleted.
func (s *Server) Queues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.queues {
		names = append(names, name)
	}
	return names
}

func (s *Server) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

func (s *Server) Acks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acks
}

type connection struct {
	server   *Server
	closed   bool
	notify   []chan *amqp.Error
	channels []*channel
}

func (c *connection) Channel() (broker.Channel, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &channel{conn: c}
	c.channels = append(c.channels, ch)
	s.channels++
	return ch, nil
}

func (c *connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *connection) Close() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

// shutdown must be called with the server lock held.
func (c *connection) shutdown(err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.shutdown()
	}
	for _, n := range c.notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	c.notify = nil
}

type channel struct {
	conn      *connection
	closed    bool
	confirm   bool
	confirms  chan amqp.Confirmation
	consumers []*consumer
	published uint64
}

func (ch *channel) server() *Server {
	return ch.conn.server
}

func (ch *channel) Confirm(noWait bool) error {
	ch.server().mu.Lock()
	defer ch.server().mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.server().mu.Lock()
	defer ch.server().mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = confirm
	return confirm
}

func (ch *channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := ch.server()
	s.mu.Lock()
	if ch.closed {
		s.mu.Unlock()
		return amqp.ErrClosed
	}
	m := Message{Exchange: exchange, Key: key, Body: append([]byte(nil), msg.Body...)}
	s.published = append(s.published, m)
	if q, ok := s.queues[key]; ok && exchange == "" {
		s.deliver(q, m.Body)
	}

	if ch.confirm {
		ch.published++
		tag := ch.published
		send := func() {
			if ch.closed || ch.confirms == nil {
				return
			}
			select {
			case ch.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: true}:
			default:
			}
		}
		if s.hold {
			s.held = append(s.held, send)
		} else {
			send()
		}
	}
	hook := s.onPublish
	s.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return nil
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	s := ch.server()
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		s.nextQueue++
		name = fmt.Sprintf("amq.gen-%d", s.nextQueue)
	}
	if _, ok := s.queues[name]; !ok {
		s.queues[name] = &queue{name: name}
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	s := ch.server()
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := s.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "no queue " + queueName}
	}

	c := &consumer{tag: tag, channel: ch, deliveries: make(chan amqp.Delivery, deliveryBuffer)}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)

	backlog := q.backlog
	q.backlog = nil
	for _, body := range backlog {
		s.deliver(q, body)
	}
	return c.deliveries, nil
}

func (ch *channel) Cancel(tag string, noWait bool) error {
	s := ch.server()
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	for i, c := range ch.consumers {
		if c.tag == tag {
			ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
			s.detach(c)
			return nil
		}
	}
	return errors.New("unknown consumer " + tag)
}

// detach must be called with the server lock held.
func (s *Server) detach(c *consumer) {
	for _, q := range s.queues {
		for i, existing := range q.consumers {
			if existing == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
	}
	close(c.deliveries)
}

func (ch *channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	s := ch.server()
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := s.queues[name]
	if !ok {
		return 0, nil
	}
	for _, c := range q.consumers {
		close(c.deliveries)
		for i, owned := range c.channel.consumers {
			if owned == c {
				c.channel.consumers = append(c.channel.consumers[:i], c.channel.consumers[i+1:]...)
				break
			}
		}
	}
	delete(s.queues, name)
	s.deleted = append(s.deleted, name)
	return len(q.backlog), nil
}

func (ch *channel) Ack(tag uint64, multiple bool) error {
	s := ch.server()
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	s.acks++
	return nil
}

func (ch *channel) Close() error {
	s := ch.server()
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdown()
	return nil
}

// shutdown must be called with the server lock held.
func (ch *channel) shutdown() {
	if ch.closed {
		return
	}
	ch.closed = true
	ch.conn.server.channels--
	if ch.confirms != nil {
		close(ch.confirms)
	}
	consumers := ch.consumers
	ch.consumers = nil
	for _, c := range consumers {
		ch.conn.server.detach(c)
	}
}
