// Package ws implements the live run feed over a websocket connection.
package ws

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/runtimeline/pkg/timeline"
	"github.com/go-go-golems/runtimeline/pkg/transport"
)

const (
	DefaultPingInterval = 20 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

type Config struct {
	URL    string
	Header http.Header
	// PingInterval is how often a ping frame is sent. Negative disables keepalive.
	PingInterval time.Duration
	WriteTimeout time.Duration
	// NewBackOff builds the reconnect policy for each outage. Defaults to exponential backoff
	// without an elapsed-time limit.
	NewBackOff func() backoff.BackOff
	Dialer     *websocket.Dialer
}

// Client is a timeline.Transport over one websocket. It keeps the set of joined rooms and
// re-joins all of them after every reconnect before firing the reconnect handlers.
type Client struct {
	cfg      Config
	id       string
	handlers transport.Handlers
	logger   zerolog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	rooms []string

	writeMu sync.Mutex
}

var _ timeline.Transport = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("ws client: URL is empty")
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	id := uuid.NewString()
	return &Client{
		cfg: cfg,
		id:  id,
		logger: log.With().
			Str("component", "ws").
			Str("client_id", id).
			Str("url", cfg.URL).
			Logger(),
	}, nil
}

func (c *Client) ID() string { return c.id }

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) OnEvent(fn func(timeline.RunEventMessage)) func() {
	return c.handlers.OnEvent(fn)
}

func (c *Client) OnStatusChanged(fn func(timeline.RunStatusMessage)) func() {
	return c.handlers.OnStatusChanged(fn)
}

func (c *Client) OnReconnected(fn func()) func() {
	return c.handlers.OnReconnected(fn)
}

// Subscribe joins rooms. While disconnected the rooms are only recorded and joined on connect.
func (c *Client) Subscribe(_ context.Context, rooms ...string) error {
	c.mu.Lock()
	var added []string
	for _, r := range rooms {
		if r != "" && !slices.Contains(c.rooms, r) {
			c.rooms = append(c.rooms, r)
			added = append(added, r)
		}
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || len(added) == 0 {
		return nil
	}
	return c.write(conn, transport.RoomsFrame(transport.FrameSubscribe, added...))
}

func (c *Client) Unsubscribe(_ context.Context, rooms ...string) error {
	c.mu.Lock()
	var removed []string
	for _, r := range rooms {
		if i := slices.Index(c.rooms, r); i >= 0 {
			c.rooms = slices.Delete(c.rooms, i, i+1)
			removed = append(removed, r)
		}
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || len(removed) == 0 {
		return nil
	}
	return c.write(conn, transport.RoomsFrame(transport.FrameUnsubscribe, removed...))
}

// Rooms returns the joined rooms.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.rooms)
}

// Run connects and keeps the connection alive until ctx is done. Every connection after the
// first one counts as a reconnect.
func (c *Client) Run(ctx context.Context) error {
	connected := false
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		err = c.serve(ctx, conn, connected)
		connected = true
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Msg("ws connection lost, reconnecting")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		cn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Dur("retry_in", wait).Msg("ws dial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.cfg.NewBackOff(), ctx), notify); err != nil {
		return nil, errors.Wrap(err, "ws dial")
	}
	return conn, nil
}

// serve owns conn until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, reconnect bool) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(connCtx, func() { _ = conn.Close() })
	defer stop()

	c.mu.Lock()
	c.conn = conn
	rooms := slices.Clone(c.rooms)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if len(rooms) > 0 {
		if err := c.write(conn, transport.RoomsFrame(transport.FrameSubscribe, rooms...)); err != nil {
			return err
		}
	}
	c.logger.Info().Strs("rooms", rooms).Bool("reconnect", reconnect).Msg("ws connected")
	if reconnect {
		c.handlers.Reconnected()
	}
	if c.cfg.PingInterval > 0 {
		go c.keepAlive(connCtx, conn)
	}
	return c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "ws read")
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		frame, err := transport.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed ws frame")
			continue
		}
		switch frame.Type {
		case transport.FramePing:
			if err := c.write(conn, transport.Frame{Type: transport.FramePong}); err != nil {
				return err
			}
		case transport.FramePong:
			c.logger.Trace().Msg("ws pong")
		default:
			if err := c.handlers.Dispatch(frame); err != nil {
				c.logger.Warn().Err(err).Str("frame_type", frame.Type).Msg("dropping malformed ws frame")
			}
		}
	}
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(conn, transport.Frame{Type: transport.FramePing}); err != nil {
				c.logger.Debug().Err(err).Msg("ws ping failed")
				return
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, f transport.Frame) error {
	data, err := transport.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return errors.Wrap(err, "ws set write deadline")
	}
	return errors.Wrapf(conn.WriteMessage(websocket.TextMessage, data), "ws write %s", f.Type)
}
