package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"wastetrack/internal/logging"
	"wastetrack/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ErrConnClosed is returned when emitting on a closed push connection.
var ErrConnClosed = errors.New("push connection closed")

// Handler receives inbound events.
type Handler func(env wire.Envelope)

// PushConn is a client websocket carrying {event, data} envelopes.
type PushConn struct {
	role string
	ws   *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]map[string]Handler

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial opens a push connection.
func Dial(ctx context.Context, url, role string, header http.Header) (*PushConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial push %s: %w (status %d)", role, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial push %s: %w", role, err)
	}
	c := &PushConn{
		role:     role,
		ws:       ws,
		log:      logging.Component("push").With().Str("role", role).Logger(),
		handlers: make(map[string]map[string]Handler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// On registers h for event and returns a function removing it.
func (c *PushConn) On(event string, h Handler) (off func()) {
	id := uuid.NewString()
	c.mu.Lock()
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[string]Handler)
	}
	c.handlers[event][id] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers[event], id)
		c.mu.Unlock()
	}
}

// Emit sends one event.
func (c *PushConn) Emit(event string, data any) error {
	if !c.Connected() {
		return ErrConnClosed
	}
	b, err := wire.EncodeEnvelope(event, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		c.shutdown(err)
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Connected reports whether the connection is still open.
func (c *PushConn) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the connection drops or is closed.
func (c *PushConn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, once Done is closed.
func (c *PushConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and tears the connection down.
func (c *PushConn) Close() error {
	if !c.Connected() {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown(ErrConnClosed)
	return nil
}

func (c *PushConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *PushConn) readLoop() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("push connection dropped")
			}
			c.shutdown(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		c.dispatch(env)
	}
}

func (c *PushConn) dispatch(env wire.Envelope) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (c *PushConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}
