package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"parley/internal/models"
	"parley/internal/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type messageHub interface {
	Dispatch(ctx context.Context, conn *Connection, msg models.ClientMessage)
	Disconnect(conn *Connection)
}

type ConnectionConfig struct {
	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// MessageRate and TypingRate are events per minute; 0 means unlimited.
	MessageRate int
	TypingRate  int
}

func (c *ConnectionConfig) setDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Connection is one websocket client. Inbound events are processed strictly
// in arrival order; outbound events are queued and written by a single writer.
type Connection struct {
	id         string
	session    models.Session
	ws         wsConnection
	hub        messageHub
	config     ConnectionConfig
	send       chan models.ServerMessage
	fromClient chan models.ClientMessage
	errorCh    chan error

	messageLimiter *rate.Limiter
	typingLimiter  *rate.Limiter

	// overflow is closed when the send buffer fills up.
	overflow     chan struct{}
	overflowOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

func NewConnection(hub messageHub, ws wsConnection, session models.Session, config ConnectionConfig) *Connection {
	config.setDefaults()
	return &Connection{
		id:             uuid.NewString(),
		session:        session,
		ws:             ws,
		hub:            hub,
		config:         config,
		send:           make(chan models.ServerMessage, config.SendBuffer),
		fromClient:     make(chan models.ClientMessage),
		errorCh:        make(chan error, 3),
		messageLimiter: newLimiter(config.MessageRate),
		typingLimiter:  newLimiter(config.TypingRate),
		overflow:       make(chan struct{}),
	}
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) UserID() string   { return c.session.UserID }
func (c *Connection) Username() string { return c.session.Username }

// Send queues msg without blocking. A connection whose queue is full is
// closed so that the client reconnects and catches up from history.
func (c *Connection) Send(msg models.ServerMessage) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return registry.ErrConnectionClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.overflowOnce.Do(func() { close(c.overflow) })
		return registry.ErrSendBufferFull
	}
}

// Handle serves the connection until the client goes away, the transport
// fails or ctx is cancelled. The hub is told about the disconnect before
// Handle returns.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.hub.Disconnect(c)
	}()

	if c.config.PongWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.config.PongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(c.config.PongWait))
		})
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.writeLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			c.processClientMessage(ctx, msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	var ping <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteWait)); err != nil {
				return err
			}
		case <-c.overflow:
			return registry.ErrSendBufferFull
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(ctx context.Context, msg models.ClientMessage) {
	switch msg.Type {
	case models.ClientMessageTypeSend:
		if !c.messageLimiter.Allow() {
			_ = c.Send(models.ErrorReply(msg.RequestID, models.ErrRateLimited))
			return
		}
	case models.ClientMessageTypeTypingStart:
		if !c.typingLimiter.Allow() {
			return
		}
	}
	c.hub.Dispatch(ctx, c, msg)
}
