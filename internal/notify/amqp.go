package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/contracts"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// AMQPSink publishes events to a RabbitMQ topic exchange. The routing key is
// the event type, so consumers bind with patterns such as "conversation.*".
type AMQPSink struct {
	exchange string

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

var _ contracts.EventSink = (*AMQPSink)(nil)

// NewAMQPSink dials url, declares a durable topic exchange and puts the
// channel in confirm mode.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	log.Info().Str("exchange", exchange).Msg("AMQP event sink connected")
	return &AMQPSink{exchange: exchange, conn: conn, ch: ch}, nil
}

// Name returns "amqp".
func (a *AMQPSink) Name() string { return "amqp" }

// Publish sends ev and waits for the broker confirmation.
func (a *AMQPSink) Publish(ctx context.Context, ev contracts.Event) error {
	msg, err := publishing(ev)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	dc, err := a.ch.PublishWithDeferredConfirmWithContext(ctx, a.exchange, ev.Meta.Type, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Meta.Type, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", ev.Meta.Type, err)
	}
	if !ok {
		return fmt.Errorf("broker nacked %s", ev.Meta.ID)
	}
	return nil
}

// Close closes the channel and the connection.
func (a *AMQPSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ch.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing AMQP channel")
	}
	return a.conn.Close()
}

func publishing(ev contracts.Event) (amqp091.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     ev.Meta.ID,
		CorrelationId: ev.Meta.CorrelationID,
		Timestamp:     ev.Meta.Time,
		Type:          ev.Meta.Type,
		AppId:         ev.Meta.Producer,
		Body:          body,
	}, nil
}
