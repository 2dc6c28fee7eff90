package feedback

import (
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nemanja-m/jobwire/internal/broker"
	"github.com/nemanja-m/jobwire/internal/loop"
	"github.com/nemanja-m/jobwire/internal/shared/logging"
)

// TempQueue is an exclusive auto-delete queue that receives one result.
type TempQueue struct {
	owner   Owner
	rabbit  *broker.Rabbit
	logger  logging.Logger
	channel broker.Channel
	release func()
	name    string
	tag     string

	ready   bool
	cleaned bool
}

func NewTempQueue(owner Owner, rabbit *broker.Rabbit, logger logging.Logger) (*TempQueue, error) {
	ch, release, err := rabbit.OpenChannel()
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		release()
		return nil, fmt.Errorf("rabbitmq error: declare queue: %w", err)
	}

	tag := uuid.NewString()
	deliveries, err := ch.Consume(q.Name, tag, false, true, false, false, nil)
	if err != nil {
		ch.QueueDelete(q.Name, false, false, false)
		ch.Close()
		release()
		return nil, fmt.Errorf("rabbitmq error: consume %s: %w", q.Name, err)
	}

	tq := &TempQueue{
		owner:   owner,
		rabbit:  rabbit,
		logger:  logger,
		channel: ch,
		release: release,
		name:    q.Name,
		tag:     tag,
	}
	rabbit.Watch(tq)

	go func() {
		for d := range deliveries {
			rabbit.Post(func() { tq.receive(d) })
		}
	}()

	logger.Debug("temp queue declared", "queue", q.Name)
	return tq, nil
}

func (tq *TempQueue) receive(d amqp.Delivery) {
	if tq.ready {
		return
	}
	tq.ready = true

	if err := tq.channel.Ack(d.DeliveryTag, false); err != nil {
		tq.logger.Warn("ack failed", "queue", tq.name, "error", err)
	}
	tq.cleanup()
	tq.owner.OnReceived(tq, d.Body)
}

// ConnectionLost implements broker.Watcher.
func (tq *TempQueue) ConnectionLost(err error) {
	if tq.ready {
		return
	}
	tq.ready = true
	tq.cleaned = true
	tq.rabbit.Unwatch(tq)
	tq.release()
	tq.owner.OnError(tq, err.Error())
}

func (tq *TempQueue) cleanup() {
	if tq.cleaned {
		return
	}
	tq.cleaned = true
	tq.rabbit.Unwatch(tq)

	if err := tq.channel.Cancel(tq.tag, false); err != nil {
		tq.logger.Debug("cancel consumer failed", "queue", tq.name, "error", err)
	}
	if _, err := tq.channel.QueueDelete(tq.name, false, false, false); err != nil {
		tq.logger.Debug("delete queue failed", "queue", tq.name, "error", err)
	}
	tq.channel.Close()
	tq.release()
}

func (tq *TempQueue) Address() string {
	return tq.name
}

func (tq *TempQueue) Handler() loop.Handler {
	return tq.rabbit
}

func (tq *TempQueue) Wait() error {
	tq.rabbit.Wait(func() bool { return tq.ready })
	if !tq.ready {
		return ErrNoResult
	}
	return nil
}

func (tq *TempQueue) Ready() bool {
	return tq.ready
}

// Close removes the queue if no result arrived yet.
func (tq *TempQueue) Close() error {
	tq.cleanup()
	return nil
}
