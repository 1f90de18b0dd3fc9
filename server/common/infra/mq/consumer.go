package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	commonlog "civic_realtime/server/common/log"
)

// ErrMalformed marks a delivery that can never be processed. It is rejected
// without requeue instead of acked.
var ErrMalformed = errors.New("malformed message")

type Handler func(ctx context.Context, body []byte) error

type ConsumerConfig struct {
	URL        string
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int
}

type Consumer struct {
	cfg     ConsumerConfig
	handle  Handler
	backoff time.Duration
}

func NewConsumer(cfg ConsumerConfig, handle Handler) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	return &Consumer{cfg: cfg, handle: handle, backoff: time.Second}
}

// Run consumes until ctx is cancelled, redialing the broker after failures.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.backoff
	for {
		err := c.consume(ctx, func() { backoff = c.backoff })
		if ctx.Err() != nil {
			return nil
		}
		commonlog.Warnf("event=mq_consumer action=consume status=failed queue=%s retry_in=%s error=%v", c.cfg.Queue, backoff, err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Consumer) consume(ctx context.Context, onReady func()) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareExchange(ch, c.cfg.Exchange); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, c.cfg.BindingKey, c.cfg.Exchange, false, nil); err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	commonlog.Infof("event=mq_consumer action=consume status=ok queue=%s binding=%s", q.Name, c.cfg.BindingKey)
	onReady()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			return fmt.Errorf("connection closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.process(ctx, d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	if err := c.handle(ctx, d.Body); err != nil {
		if errors.Is(err, ErrMalformed) {
			commonlog.Warnf("event=mq_consumer action=reject routing_key=%s error=%v", d.RoutingKey, err)
			_ = d.Reject(false)
			return
		}
		commonlog.Warnf("event=mq_consumer action=handle status=failed routing_key=%s error=%v", d.RoutingKey, err)
	}
	_ = d.Ack(false)
}
