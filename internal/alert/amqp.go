package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
)

// AMQP publishes alerts to a fanout exchange, reconnecting when the broker drops.
type AMQP struct {
	url        string
	exchange   string
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQP connects and declares the exchange.
func NewAMQP(url, exchange string, logger *zap.Logger) (*AMQP, error) {
	return newAMQP(url, exchange, 5, 2*time.Second, logger)
}

func newAMQP(url, exchange string, maxRetries int, retryDelay time.Duration, logger *zap.Logger) (*AMQP, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AMQP{
		url:        url,
		exchange:   exchange,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger.Named("amqp"),
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectWithRetry(context.Background()); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AMQP) connect() error {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		a.exchange, // name
		"fanout",   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", a.exchange, err)
	}
	a.conn = conn
	a.ch = ch
	a.logger.Info("connected to broker", zap.String("exchange", a.exchange))
	return nil
}

func (a *AMQP) connectWithRetry(ctx context.Context) error {
	var err error
	for i := 0; i < a.maxRetries; i++ {
		if err = a.connect(); err == nil {
			return nil
		}
		a.logger.Warn("broker connection failed",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", a.maxRetries),
			zap.Error(err),
		)
		if i == a.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.retryDelay):
		}
	}
	return fmt.Errorf("failed to connect to broker after %d attempts: %w", a.maxRetries, err)
}

// encodeAlert is the message body published for e.
func encodeAlert(e monitor.Event) ([]byte, error) {
	return json.Marshal(Payload{Source: "kubilitics-perimeter", Event: e})
}

// Dispatch implements monitor.AlertDispatcher.
func (a *AMQP) Dispatch(ctx context.Context, e monitor.Event) error {
	body, err := encodeAlert(e)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.maxRetries; i++ {
		if a.conn == nil || a.conn.IsClosed() {
			if err = a.connectWithRetry(ctx); err != nil {
				return err
			}
		}
		err = a.ch.PublishWithContext(ctx, a.exchange, "", false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.ID,
			Timestamp:    e.Timestamp,
			Type:         e.Type,
			Body:         body,
		})
		if err == nil {
			return nil
		}
		a.logger.Warn("publish failed, reconnecting", zap.Int("attempt", i+1), zap.Error(err))
		_ = a.conn.Close()
	}
	return fmt.Errorf("failed to publish alert %s: %w", e.ID, err)
}

// Close shuts the connection down.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil && !a.conn.IsClosed() {
		return a.conn.Close()
	}
	return nil
}
