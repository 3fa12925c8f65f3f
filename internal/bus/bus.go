package bus

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/config"
)

// Bus wraps the AMQP connection and the channel used for publishing. Consumers
// open their own channels so prefetch limits stay per-listener.
type Bus struct {
	conn    *amqp.Connection
	pubChan *amqp.Channel
	log     zerolog.Logger
}

// Connect dials the broker and declares the proctoring topology.
func Connect(cfg *config.Config, log zerolog.Logger) (*Bus, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	b := &Bus{
		conn:    conn,
		pubChan: ch,
		log:     log.With().Str("component", "bus").Logger(),
	}

	if err := b.declareTopology(ch); err != nil {
		b.Close()
		return nil, err
	}

	log.Info().Msg("RabbitMQ connected")
	return b, nil
}

// declareTopology declares the durable queues with their dead-letter routing.
// Outbound analysis queues dead-letter to ai.dlx; the inbound results queue
// dead-letters to proctoring.dlx so rejected results never vanish silently.
func (b *Bus) declareTopology(ch *amqp.Channel) error {
	keys := config.BusKey

	if err := b.declareDLX(ch, keys.AIDeadLetterExchange, keys.AIDeadLetterQueue); err != nil {
		return err
	}
	if err := b.declareDLX(ch, keys.ResultsDeadLetterExchange, keys.ResultsDeadLetterQueue); err != nil {
		return err
	}

	aiArgs := amqp.Table{"x-dead-letter-exchange": keys.AIDeadLetterExchange}
	for _, q := range []string{keys.FrameAnalysisQueue, keys.AudioAnalysisQueue, keys.BehaviorEventsQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, aiArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}

	resultArgs := amqp.Table{"x-dead-letter-exchange": keys.ResultsDeadLetterExchange}
	if _, err := ch.QueueDeclare(keys.ResultsQueue, true, false, false, false, resultArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", keys.ResultsQueue, err)
	}

	return nil
}

func (b *Bus) declareDLX(ch *amqp.Channel, exchange, queue string) error {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, "", exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s: %w", queue, exchange, err)
	}
	return nil
}

// Publish marshals payload as JSON and publishes it to the named queue with
// persistent delivery.
func (b *Bus) Publish(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	err = b.pubChan.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume opens a dedicated channel with prefetch=1 and returns its delivery
// stream. Prefetch bounds memory under burst; the caller acks manually so a
// handler failure re-routes the message to the DLQ instead of losing it.
func (b *Bus) Consume(queue, consumerTag string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, ch, nil
}

// Close tears down the publisher channel and the connection.
func (b *Bus) Close() {
	if b.pubChan != nil {
		_ = b.pubChan.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
}
