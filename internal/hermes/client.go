package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectAnnounce carries announce lines relayed from other listeners.
	SubjectAnnounce = "genrebot.announce"
	// SubjectOutcome carries every terminal reconciliation outcome.
	SubjectOutcome = "genrebot.reconcile.outcome"
)

// AnnounceRelay is the payload on SubjectAnnounce.
type AnnounceRelay struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// ParseRelay decodes an AnnounceRelay and rejects payloads without text.
func ParseRelay(data []byte) (AnnounceRelay, error) {
	var relay AnnounceRelay
	if err := json.Unmarshal(data, &relay); err != nil {
		return AnnounceRelay{}, fmt.Errorf("decode relay: %w", err)
	}
	if relay.Text == "" {
		return AnnounceRelay{}, fmt.Errorf("decode relay: empty text")
	}
	return relay, nil
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("genrebot"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// PublishOutcome publishes a terminal outcome on SubjectOutcome.
func (c *Client) PublishOutcome(outcome any) error {
	return c.Publish(SubjectOutcome, outcome)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
