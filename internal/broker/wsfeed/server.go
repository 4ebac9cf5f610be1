package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	"quote-runtime/internal/broker"
)

const (
	writeWait   = 5 * time.Second
	sendBufSize = 256
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// TOTPSecret, when set, requires a valid code in TOTPHeader.
	TOTPSecret string
	Logger     *slog.Logger
}

// Server serves a broker.Service to websocket clients.
type Server struct {
	svc      broker.Service
	secret   string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	// Optional hooks.
	OnConnect    func(clients int)
	OnDisconnect func(clients int)
	OnDropped    func()
}

// NewServer wraps svc.
func NewServer(svc broker.Service, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:    svc,
		secret: cfg.TOTPSecret,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.secret == "" {
		return true
	}
	code := r.Header.Get(TOTPHeader)
	return code != "" && totp.Validate(code, s.secret)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warn("rejected feed client", "remote", r.RemoteAddr)
		http.Error(w, "invalid or missing "+TOTPHeader, http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		srv:    s,
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		subs:   make(map[int64]broker.Request),
		ctx:    ctx,
		cancel: cancel,
	}
	n := s.register(c)
	s.logger.Info("feed client connected", "remote", r.RemoteAddr, "clients", n)

	go c.writePump()
	c.readLoop()

	c.close()
	n = s.unregister(c)
	s.logger.Info("feed client disconnected", "remote", r.RemoteAddr, "clients", n)
}

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) register(c *client) int {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	if s.OnConnect != nil {
		s.OnConnect(n)
	}
	return n
}

func (s *Server) unregister(c *client) int {
	s.mu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	if s.OnDisconnect != nil {
		s.OnDisconnect(n)
	}
	return n
}

// client is one websocket connection on the server side.
type client struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[int64]broker.Request

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *client) readLoop() {
	for {
		var m Message
		if err := c.conn.ReadJSON(&m); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				c.srv.logger.Debug("feed read ended", "error", err)
			}
			return
		}
		c.dispatch(m)
	}
}

func (c *client) dispatch(m Message) {
	switch m.Op {
	case OpSubscribe:
		c.subscribe(m)
	case OpCancel:
		c.mu.Lock()
		req := c.subs[m.ID]
		delete(c.subs, m.ID)
		c.mu.Unlock()
		if req != nil {
			req.Cancel()
		}
	case OpResolve:
		go c.resolve(m)
	default:
		c.push(Message{Op: OpError, ID: m.ID, Error: "unknown op " + m.Op}, false)
	}
}

func (c *client) subscribe(m Message) {
	if m.Contract == nil {
		c.push(Message{Op: OpError, ID: m.ID, Error: "subscribe without contract"}, false)
		return
	}
	id := m.ID
	req := c.srv.svc.MarketData(*m.Contract, m.GenericTicks, m.Snapshot, false, broker.Handler{
		Data: func(t broker.Tick) {
			c.push(Message{Op: OpTick, ID: id, Tick: &t}, !m.Snapshot)
		},
		Error: func(err error) {
			c.push(Message{Op: OpError, ID: id, Error: err.Error()}, false)
		},
		End: func() { c.push(Message{Op: OpEnd, ID: id}, false) },
	})

	c.mu.Lock()
	if old := c.subs[id]; old != nil {
		old.Cancel()
	}
	c.subs[id] = req
	c.mu.Unlock()

	if err := req.Send(); err != nil {
		c.push(Message{Op: OpError, ID: id, Error: err.Error()}, false)
	}
}

func (c *client) resolve(m Message) {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	contract, err := c.srv.svc.ResolveSymbol(ctx, m.Description)
	if err != nil {
		c.push(Message{
			Op:       OpError,
			ID:       m.ID,
			Error:    err.Error(),
			NotFound: errors.Is(err, broker.ErrContractNotFound),
		}, false)
		return
	}
	c.push(Message{Op: OpContract, ID: m.ID, Contract: &contract}, false)
}

// push queues a frame. Droppable frames (streamed ticks) are discarded when
// the client is slow; control frames wait for room.
func (c *client) push(m Message, droppable bool) {
	b, err := json.Marshal(m)
	if err != nil {
		c.srv.logger.Error("encode frame", "op", m.Op, "error", err)
		return
	}
	if droppable {
		select {
		case c.send <- b:
		case <-c.ctx.Done():
		default:
			if c.srv.OnDropped != nil {
				c.srv.OnDropped()
			}
		}
		return
	}
	select {
	case c.send <- b:
	case <-c.ctx.Done():
	}
}

func (c *client) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for _, req := range subs {
			req.Cancel()
		}
		c.conn.Close()
	})
}
