// Package signal implements the SFU signaling channel over a websocket.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure     = errors.New("signal: backpressure")
	ErrTimeout          = errors.New("signal: timeout")
	ErrConnectTimeout   = errors.New("signal: connect timeout")
	ErrDisconnected     = errors.New("signal: disconnected")
	ErrClosed           = errors.New("signal: channel closed")
	ErrNotConnected     = errors.New("signal: not connected")
	ErrAlreadyConnected = errors.New("signal: already connected")
)

// ServerError is an explicit error payload returned by the server for a call.
type ServerError struct {
	Event   string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("signal: %s: server error: %s", e.Event, e.Message)
}

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultCallTimeout    = 10 * time.Second
	DefaultPingPeriod     = 54 * time.Second
	DefaultReadLimit      = 1 << 20
	DefaultSendBuffer     = 32

	writeWait = 5 * time.Second
)

type Options struct {
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	PingPeriod     time.Duration
	ReadLimit      int64
	SendBuffer     int
	Reconnect      ReconnectPolicy
	Dialer         *websocket.Dialer
	Header         http.Header
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = DefaultPingPeriod
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// wsConn is one websocket connection of the channel. A reconnect replaces it.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame
	done chan struct{}
	once sync.Once
}

func newWSConn(ws *websocket.Conn, buf int) *wsConn {
	return &wsConn{
		conn: ws,
		send: make(chan core.Frame, buf),
		done: make(chan struct{}),
	}
}

func (c *wsConn) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return ErrDisconnected
	default:
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Channel implements core.SignalChannel.
type Channel struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	url     string
	conn    *wsConn
	closed  bool
	pending map[string]*pendingCall

	hmu      sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   atomic.Uint64
}

var _ core.SignalChannel = (*Channel)(nil)

func NewChannel(opts Options) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:     opts.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*pendingCall),
		handlers: make(map[string][]handlerEntry),
	}
}

// Connect dials url and starts the pumps. It fails with ErrConnectTimeout
// when the transport does not connect within the connect timeout.
func (ch *Channel) Connect(ctx context.Context, url string) error {
	ch.mu.Lock()
	switch {
	case ch.closed:
		ch.mu.Unlock()
		return ErrClosed
	case ch.conn != nil:
		ch.mu.Unlock()
		return ErrAlreadyConnected
	}
	ch.url = url
	ch.mu.Unlock()

	ws, err := ch.dial(ctx)
	if err != nil {
		return err
	}
	c := ch.install(ws)
	if c == nil {
		return ErrClosed
	}
	log.Info().Str("module", "signal").Str("url", url).Msg("connected")

	go ch.writePump(c)
	go ch.readPump(c)
	return nil
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	ch.mu.Lock()
	url := ch.url
	ch.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, ch.opts.ConnectTimeout)
	defer cancel()

	ws, resp, err := ch.opts.Dialer.DialContext(dialCtx, url, ch.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, url)
		}
		return nil, fmt.Errorf("signal: dial %s: %w", url, err)
	}
	ws.SetReadLimit(ch.opts.ReadLimit)
	return ws, nil
}

// install makes ws the current connection unless the channel was closed meanwhile.
func (ch *Channel) install(ws *websocket.Conn) *wsConn {
	c := newWSConn(ws, ch.opts.SendBuffer)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		_ = ws.Close()
		return nil
	}
	ch.conn = c
	return c
}

// lost is called by the read pump when c stops. Only the current connection
// of an open channel triggers the reconnect policy.
func (ch *Channel) lost(c *wsConn, cause error) {
	c.Close()

	ch.mu.Lock()
	if ch.closed || ch.conn != c {
		ch.mu.Unlock()
		return
	}
	ch.conn = nil
	ch.mu.Unlock()

	log.Warn().Err(cause).Str("module", "signal").Msg("connection lost")
	ch.failPending(ErrDisconnected)
	ch.dispatch(core.EventDisconnect, nil)

	if ch.opts.Reconnect.Attempts > 0 {
		go ch.reconnectLoop()
		return
	}
	ch.dispatch(core.EventReconnectFailed, nil)
}

// Connected reports whether a websocket connection is currently up.
func (ch *Channel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn != nil
}

// Close is idempotent. Pending calls fail with ErrClosed and no reconnect is attempted.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	c := ch.conn
	ch.conn = nil
	ch.mu.Unlock()

	ch.cancel()
	ch.failPending(ErrClosed)
	if c != nil {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.Close()
	}
	log.Info().Str("module", "signal").Msg("channel closed")
}
