package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection and JetStream context for job event fan-out.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("loqa-transcribe"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	c := &Client{conn: conn, js: js, log: log.With(slog.String("component", "bus"))}
	if cfg.Stream != "" {
		if err := c.ensureStream(cfg.Stream); err != nil {
			conn.Close()
			return nil, err
		}
	}

	c.log.Info("connected to NATS", slog.String("servers", url), slog.String("stream", cfg.Stream))
	return c, nil
}

// ensureStream makes job events durable so late subscribers can replay a job.
func (c *Client) ensureStream(name string) error {
	subjects := []string{protocol.SubjectPrefix + ".>"}
	if _, err := c.js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", name, err)
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	c.log.Info("created jetstream stream", slog.String("stream", name), slog.Any("subjects", subjects))
	return nil
}

// Emit publishes evt as JSON on subject.
func (c *Client) Emit(_ context.Context, subject string, evt protocol.JobEvent) error {
	return c.PublishJSON(subject, evt)
}

func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe decodes JobEvents delivered on subject (wildcards allowed).
func (c *Client) Subscribe(subject string, fn func(subject string, evt protocol.JobEvent)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var evt protocol.JobEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			c.log.Warn("dropping malformed job event", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			return
		}
		fn(msg.Subject, evt)
	})
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
