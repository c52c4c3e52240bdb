package inbox

import (
	"context"
	"errors"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errDeliveriesClosed = errors.New("delivery channel closed")

// AMQPPush consumes provider notifications from a RabbitMQ queue. Each
// message body is one item in the provider's wire shape.
type AMQPPush struct {
	url   string
	queue string
	log   *log.Logger
}

func NewAMQPPush(logger *log.Logger, url, queue string) *AMQPPush {
	return &AMQPPush{url: url, queue: queue, log: logger}
}

func (p *AMQPPush) Consume(ctx context.Context, handle func(context.Context, Item) error) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		return err
	}

	msgs, err := ch.Consume(p.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	p.log.Printf("inbox push consuming queue=%s", p.queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errDeliveriesClosed
			}
			p.handleDelivery(ctx, d, handle)
		}
	}
}

// handleDelivery acks merged items, drops malformed ones and requeues on
// handler failure.
func (p *AMQPPush) handleDelivery(ctx context.Context, d amqp.Delivery, handle func(context.Context, Item) error) {
	it, err := DecodeRemoteItem(d.Body)
	if err != nil {
		p.log.Printf("inbox push bad message: %v", err)
		_ = d.Nack(false, false)
		return
	}

	if err := handle(ctx, it); err != nil {
		p.log.Printf("inbox push item %s failed: %v", it.ID, err)
		_ = d.Nack(false, true)
		return
	}

	if err := d.Ack(false); err != nil {
		p.log.Printf("inbox push ack failed item=%s err=%v", it.ID, err)
	}
}
