package threat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Notifier delivers alerts to an external channel.
type Notifier interface {
	Notify(ctx context.Context, alert *SecurityAlert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, alert *SecurityAlert) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, alert *SecurityAlert) error { return f(ctx, alert) }

// notification is the wire form of an alert sent to external sinks.
type notification struct {
	ID         string    `json:"id"`
	Type       AlertType `json:"type"`
	Severity   Severity  `json:"severity"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	EventCount int       `json:"event_count"`
	Actions    []string  `json:"actions,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func newNotification(a *SecurityAlert) notification {
	return notification{
		ID:         a.ID,
		Type:       a.Type,
		Severity:   a.Severity,
		Title:      a.Title,
		Message:    a.Message,
		EventCount: len(a.Events),
		Actions:    a.Actions,
		CreatedAt:  a.CreatedAt,
	}
}

// LogNotifier writes alerts to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a LogNotifier. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, a *SecurityAlert) error {
	level := slog.LevelWarn
	if a.Severity == SeverityHigh || a.Severity == SeverityCritical {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "security_alert",
		"alert_id", a.ID,
		"type", a.Type,
		"severity", a.Severity,
		"title", a.Title,
		"message", a.Message,
		"event_count", len(a.Events),
		"actions", a.Actions)
	return nil
}

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Client  *http.Client

	// InitialInterval and MaxElapsedTime bound the retry schedule.
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// WebhookNotifier POSTs alerts as JSON, retrying transient failures with
// exponential backoff. 4xx responses other than 429 are not retried.
type WebhookNotifier struct {
	cfg WebhookConfig
}

// NewWebhookNotifier returns a WebhookNotifier.
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = 30 * time.Second
	}
	return &WebhookNotifier{cfg: cfg}, nil
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, a *SecurityAlert) error {
	body, err := json.Marshal(newNotification(a))
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.InitialInterval
	b.MaxElapsedTime = n.cfg.MaxElapsedTime

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range n.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := n.cfg.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("failed to deliver alert webhook: %w", err)
	}
	return nil
}

// Publisher is the subset of *amqp.Channel used by AMQPNotifier.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes alerts to a RabbitMQ exchange. The routing key is
// "alert.<severity>" so consumers can bind by severity.
type AMQPNotifier struct {
	publisher Publisher
	exchange  string
	conn      *amqp.Connection
}

// DefaultAlertExchange is the topic exchange alerts are published to.
const DefaultAlertExchange = "security.alerts"

// NewAMQPNotifier wraps an existing publisher.
func NewAMQPNotifier(publisher Publisher, exchange string) *AMQPNotifier {
	if exchange == "" {
		exchange = DefaultAlertExchange
	}
	return &AMQPNotifier{publisher: publisher, exchange: exchange}
}

// DialAMQPNotifier connects to url and declares a durable topic exchange.
func DialAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	if exchange == "" {
		exchange = DefaultAlertExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare alert exchange: %w", err)
	}

	n := NewAMQPNotifier(ch, exchange)
	n.conn = conn
	return n, nil
}

// Notify implements Notifier.
func (n *AMQPNotifier) Notify(ctx context.Context, a *SecurityAlert) error {
	body, err := json.Marshal(newNotification(a))
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	err = n.publisher.PublishWithContext(ctx,
		n.exchange,
		"alert."+string(a.Severity),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    a.ID,
			Timestamp:    a.CreatedAt,
			Type:         string(a.Type),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// Close closes the connection opened by DialAMQPNotifier.
func (n *AMQPNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

// MultiNotifier delivers to every notifier and joins their errors.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, a *SecurityAlert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
