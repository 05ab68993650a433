package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	eventSubjectPrefix   = "race.events."
	sessionSubjectPrefix = "race.sessions."
)

// Client wraps a NATS connection. It publishes domain events and relays
// realtime session messages between server instances.
type Client struct {
	servers              string
	name                 string
	nc                   *nats.Conn
	mu                   sync.Mutex
	subs                 []*nats.Subscription
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// NewClient creates a client for the given server list. Call Connect before use.
func NewClient(servers, name string) *Client {
	return &Client{
		servers:              servers,
		name:                 name,
		reconnectDelay:       2 * time.Second,
		maxReconnectAttempts: -1,
	}
}

// Connect establishes the NATS connection.
func (c *Client) Connect() error {
	opts := []nats.Option{
		nats.Name(c.name),
		nats.MaxReconnects(c.maxReconnectAttempts),
		nats.ReconnectWait(c.reconnectDelay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Error("nats disconnected", "error", err)
			} else {
				slog.Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}

	nc, err := nats.Connect(c.servers, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	c.nc = nc
	slog.Info("connected to NATS", "servers", c.servers)
	return nil
}

// Publish sends a domain event to race.events.<type>.
func (c *Client) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := c.nc.Publish(eventSubjectPrefix+string(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// PublishSession relays a realtime message for one session to every instance.
func (c *Client) PublishSession(sessionID string, data []byte) error {
	return c.nc.Publish(sessionSubjectPrefix+sessionID, data)
}

// SubscribeSessions delivers every relayed session message to handler.
func (c *Client) SubscribeSessions(handler func(sessionID string, data []byte)) error {
	sub, err := c.nc.Subscribe(sessionSubjectPrefix+"*", func(msg *nats.Msg) {
		handler(strings.TrimPrefix(msg.Subject, sessionSubjectPrefix), msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to session fanout: %w", err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("nats unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	c.subs = nil
	if c.nc != nil {
		c.nc.Close()
		slog.Info("nats connection closed")
	}
}
