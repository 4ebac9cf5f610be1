package wsfeed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	"quote-runtime/internal/broker"
)

// Config holds client configuration.
type Config struct {
	// URL of the feed server, e.g. "ws://localhost:8765/ws".
	URL string

	// TOTPSecret, when set, signs every dial with a current code.
	TOTPSecret string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger

	// OnReconnect, if set, is called after every successful redial.
	OnReconnect func()
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type subscription struct {
	msg Message
	h   broker.Handler
}

// Client is a broker.Service backed by a feed server. Handler callbacks run
// on the client's read goroutine. Streaming subscriptions survive
// reconnects: each one is told ErrDisconnected and then re-subscribed.
type Client struct {
	cfg Config

	wmu  sync.Mutex
	mu   sync.Mutex
	conn *websocket.Conn

	nextID  int64
	subs    map[int64]*subscription
	pending map[int64]chan Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to the feed server and starts the read loop. The first
// connection must succeed; later drops are retried with backoff until Close.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.defaults()
	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		conn:    conn,
		subs:    make(map[int64]*subscription),
		pending: make(map[int64]chan Message),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	cfg.Logger.Info("feed connected", "url", cfg.URL)
	go c.run(conn)
	return c, nil
}

func dial(ctx context.Context, cfg Config) (*websocket.Conn, error) {
	header := http.Header{}
	if cfg.TOTPSecret != "" {
		code, err := totp.GenerateCode(cfg.TOTPSecret, time.Now())
		if err != nil {
			return nil, fmt.Errorf("wsfeed: totp: %w", err)
		}
		header.Set(TOTPHeader, code)
	}
	conn, resp, err := cfg.Dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsfeed: dial %s: %s: %w", cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("wsfeed: dial %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// Done is closed once the client has shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close stops reconnecting and closes the connection.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.wmu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		c.wmu.Unlock()
		conn.Close()
	}
	<-c.done
	return nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	delay := c.cfg.ReconnectDelay

	for {
		c.readLoop(conn)
		c.dropConnection()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}

			next, err := dial(c.ctx, c.cfg)
			if err == nil {
				conn = next
				break
			}
			c.cfg.Logger.Warn("feed reconnect failed", "error", err, "retry_in", delay)
			delay *= 2
			if delay > c.cfg.MaxReconnectDelay {
				delay = c.cfg.MaxReconnectDelay
			}
		}

		delay = c.cfg.ReconnectDelay
		c.mu.Lock()
		c.conn = conn
		resend := make([]Message, 0, len(c.subs))
		for _, s := range c.subs {
			resend = append(resend, s.msg)
		}
		c.mu.Unlock()
		if c.ctx.Err() != nil {
			conn.Close()
			return
		}

		c.cfg.Logger.Info("feed reconnected", "url", c.cfg.URL, "subscriptions", len(resend))
		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect()
		}
		for _, m := range resend {
			if err := c.write(m); err != nil {
				c.cfg.Logger.Warn("resubscribe failed", "id", m.ID, "error", err)
			}
		}
	}
}

// dropConnection fails pending resolutions, tells streaming subscribers
// about the drop and forgets snapshot subscriptions.
func (c *Client) dropConnection() {
	c.mu.Lock()
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]chan Message)
	var notify []broker.Handler
	for id, s := range c.subs {
		if s.msg.Snapshot {
			delete(c.subs, id)
		}
		notify = append(notify, s.h)
	}
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if c.ctx.Err() != nil {
		return
	}
	c.cfg.Logger.Warn("feed disconnected", "url", c.cfg.URL)
	for _, h := range notify {
		if h.Error != nil {
			h.Error(ErrDisconnected)
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m Message) {
	c.mu.Lock()
	if ch, ok := c.pending[m.ID]; ok {
		delete(c.pending, m.ID)
		c.mu.Unlock()
		ch <- m
		return
	}
	s := c.subs[m.ID]
	c.mu.Unlock()
	if s == nil {
		return
	}

	switch m.Op {
	case OpTick:
		if m.Tick != nil && s.h.Data != nil {
			s.h.Data(*m.Tick)
		}
	case OpEnd:
		if s.h.End != nil {
			s.h.End()
		}
	case OpError:
		if s.h.Error != nil {
			s.h.Error(&RemoteError{Message: m.Error})
		}
	}
}

func (c *Client) write(m Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if conn == nil {
		return ErrDisconnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m)
}

func (c *Client) id() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// ResolveSymbol asks the server to resolve description.
func (c *Client) ResolveSymbol(ctx context.Context, description string) (broker.Contract, error) {
	id := c.id()
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(Message{Op: OpResolve, ID: id, Description: description}); err != nil {
		forget()
		return broker.Contract{}, err
	}

	select {
	case m, ok := <-ch:
		switch {
		case !ok:
			return broker.Contract{}, ErrDisconnected
		case m.Op == OpContract && m.Contract != nil:
			return *m.Contract, nil
		case m.NotFound:
			return broker.Contract{}, broker.ErrContractNotFound
		default:
			return broker.Contract{}, &RemoteError{Message: m.Error}
		}
	case <-ctx.Done():
		forget()
		return broker.Contract{}, ctx.Err()
	case <-c.ctx.Done():
		return broker.Contract{}, ErrClosed
	}
}

// MarketData prepares a remote subscription.
func (c *Client) MarketData(contract broker.Contract, genericTicks string, snapshot, _ bool, h broker.Handler) broker.Request {
	return &request{
		c: c,
		sub: &subscription{
			msg: Message{
				Op:           OpSubscribe,
				ID:           c.id(),
				Contract:     &contract,
				GenericTicks: genericTicks,
				Snapshot:     snapshot,
			},
			h: h,
		},
	}
}

type request struct {
	c    *Client
	sub  *subscription
	once sync.Once
}

func (r *request) Send() error {
	id := r.sub.msg.ID
	r.c.mu.Lock()
	r.c.subs[id] = r.sub
	r.c.mu.Unlock()

	if err := r.c.write(r.sub.msg); err != nil {
		r.c.mu.Lock()
		delete(r.c.subs, id)
		r.c.mu.Unlock()
		return err
	}
	return nil
}

func (r *request) Cancel() {
	r.once.Do(func() {
		id := r.sub.msg.ID
		r.c.mu.Lock()
		_, live := r.c.subs[id]
		delete(r.c.subs, id)
		r.c.mu.Unlock()
		if live {
			r.c.write(Message{Op: OpCancel, ID: id})
		}
	})
}
