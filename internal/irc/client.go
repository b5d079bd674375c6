// Package irc connects to the announce network, identifies with NickServ,
// joins the monitor and log channels and hands channel messages to a callback.
package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/irc.v4"
)

// ErrNotConnected is returned by Send before registration completes.
var ErrNotConnected = errors.New("irc: not connected")

const (
	minReconnectDelay = 5 * time.Second
	maxReconnectDelay = 5 * time.Minute
	// Most networks kick above roughly one line per second sustained.
	sendInterval = 1200 * time.Millisecond
	sendBurst    = 4
)

type Config struct {
	Server             string
	Port               int
	TLS                bool
	InsecureSkipVerify bool
	Nick               string
	RealName           string
	NickServPassword   string
	Channels           []string
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Server, strconv.Itoa(c.Port))
}

// MessageHandler receives every PRIVMSG seen by the client.
type MessageHandler func(sender, target, text string)

// lineWriter is the part of *irc.Client the handlers need.
type lineWriter interface {
	Write(line string) error
}

type Client struct {
	cfg     Config
	handler MessageHandler
	logger  *slog.Logger
	limiter *rate.Limiter
	dial    func(ctx context.Context) (net.Conn, error)

	mu   sync.Mutex
	conn lineWriter
}

func NewClient(cfg Config, handler MessageHandler, logger *slog.Logger) *Client {
	c := &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(sendInterval), sendBurst),
	}
	c.dial = c.dialServer
	return c
}

func (c *Client) dialServer(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: time.Minute}
	if !c.cfg.TLS {
		return nd.DialContext(ctx, "tcp", c.cfg.addr())
	}
	td := &tls.Dialer{
		NetDialer: nd,
		Config: &tls.Config{
			ServerName:         c.cfg.Server,
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
	}
	return td.DialContext(ctx, "tcp", c.cfg.addr())
}

// Run connects and reconnects with exponential backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := minReconnectDelay
	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			delay = minReconnectDelay
		}
		c.logger.Warn("irc connection lost, reconnecting", "server", c.cfg.addr(), "error", err, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) session(ctx context.Context) (registered bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.addr(), err)
	}
	defer conn.Close()
	c.logger.Info("irc connected", "server", c.cfg.addr(), "tls", c.cfg.TLS)

	client := irc.NewClient(conn, irc.ClientConfig{
		Nick:          c.cfg.Nick,
		User:          c.cfg.Nick,
		Name:          c.cfg.RealName,
		PingFrequency: time.Minute,
		PingTimeout:   2 * time.Minute,
		Handler: irc.HandlerFunc(func(ic *irc.Client, m *irc.Message) {
			if m.Command == "001" {
				registered = true
			}
			c.dispatch(ic, m)
		}),
	})

	err = client.RunContext(ctx)
	c.setConn(nil)
	return registered, err
}

func (c *Client) setConn(w lineWriter) {
	c.mu.Lock()
	c.conn = w
	c.mu.Unlock()
}

func (c *Client) current() lineWriter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connected reports whether registration has completed on the current connection.
func (c *Client) Connected() bool {
	return c.current() != nil
}

func (c *Client) dispatch(w lineWriter, m *irc.Message) {
	switch m.Command {
	case "001":
		c.onWelcome(w)
	case "PRIVMSG":
		if len(m.Params) < 2 || m.Prefix == nil || c.handler == nil {
			return
		}
		c.handler(m.Prefix.Name, m.Params[0], m.Trailing())
	case "NOTICE":
		if m.Prefix != nil && strings.EqualFold(m.Prefix.Name, "NickServ") {
			c.logger.Info("nickserv notice", "text", m.Trailing())
		}
	case "KICK":
		if len(m.Params) >= 2 && strings.EqualFold(m.Params[1], c.cfg.Nick) {
			c.logger.Warn("kicked from channel, rejoining", "channel", m.Params[0], "reason", m.Trailing())
			if err := w.Write("JOIN " + m.Params[0]); err != nil {
				c.logger.Error("rejoin failed", "channel", m.Params[0], "error", err)
			}
		}
	}
}

func (c *Client) onWelcome(w lineWriter) {
	c.logger.Info("irc registered", "nick", c.cfg.Nick)
	if c.cfg.NickServPassword != "" {
		if err := w.Write("PRIVMSG NickServ :IDENTIFY " + c.cfg.NickServPassword); err != nil {
			c.logger.Error("nickserv identify failed", "error", err)
		}
	}
	for _, ch := range c.cfg.Channels {
		if ch == "" {
			continue
		}
		if err := w.Write("JOIN " + ch); err != nil {
			c.logger.Error("join failed", "channel", ch, "error", err)
			continue
		}
		c.logger.Info("joined channel", "channel", ch)
	}
	c.setConn(w)
}

// Send writes text to target as one PRIVMSG per line, waiting on the flood limiter.
func (c *Client) Send(ctx context.Context, target, text string) error {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("irc send: %w", err)
		}
		w := c.current()
		if w == nil {
			return ErrNotConnected
		}
		if err := w.Write("PRIVMSG " + target + " :" + line); err != nil {
			return fmt.Errorf("irc send: %w", err)
		}
	}
	return nil
}

// Notifier posts status lines to a channel.
type Notifier struct {
	Client  *Client
	Channel string
	Logger  *slog.Logger
}

func (n Notifier) Notify(ctx context.Context, line string) {
	if n.Channel == "" {
		return
	}
	if err := n.Client.Send(ctx, n.Channel, line); err != nil {
		n.Logger.Warn("failed to post status line", "channel", n.Channel, "error", err)
	}
}
