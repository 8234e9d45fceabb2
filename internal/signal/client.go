package signal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/meshdraw/internal/codec"
)

var ErrNotConnected = errors.New("signaling channel not connected")
var ErrAlreadyConnected = errors.New("signaling channel already connected")

type EventKind string

const (
	EventConnected       EventKind = "Connected"
	EventDisconnected    EventKind = "Disconnected"
	EventErrorConnecting EventKind = "ErrorConnecting"
	EventMessage         EventKind = "Message"
)

type Event struct {
	Kind  EventKind
	Frame codec.TransferData
	Err   error
}

type Options struct {
	Logger       *zap.Logger
	PingInterval time.Duration
	WriteTimeout time.Duration
	QueueSize    int
	EventBuffer  int
	ReadLimit    int64
}

// Client owns the single relay connection. Frames are written by one writer
// goroutine in Send order; inbound frames are decoded and emitted as Events.
type Client struct {
	log    *zap.Logger
	opts   Options
	events chan Event

	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	conn   *websocket.Conn
	out    chan string
	closed <-chan struct{}
	down   bool
	cancel context.CancelFunc

	downOnce sync.Once
}

func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 128
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	return &Client{
		log:    opts.Logger.Named("signal"),
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		stop:   make(chan struct{}),
	}
}

func (c *Client) Events() <-chan Event { return c.events }

// Connect makes exactly one dial attempt. ctx bounds the dial only.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		c.log.Warn("connect failed", zap.String("url", url), zap.Error(err))
		c.emit(Event{Kind: EventErrorConnecting, Err: err})
		return fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(c.opts.ReadLimit)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	out := make(chan string, c.opts.QueueSize)

	c.mu.Lock()
	c.conn = conn
	c.out = out
	c.closed = runCtx.Done()
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Info("connected", zap.String("url", url))
	c.emit(Event{Kind: EventConnected})

	go c.readLoop(runCtx, conn)
	go c.writeLoop(runCtx, conn, out)
	if c.opts.PingInterval > 0 {
		go c.pingLoop(runCtx, conn)
	}
	return nil
}

// Send queues frame behind every earlier Send. A full queue blocks until the
// writer catches up or the connection goes away.
func (c *Client) Send(frame codec.TransferData) error {
	c.mu.Lock()
	out, closed, ok := c.out, c.closed, c.conn != nil && !c.down
	c.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	select {
	case out <- codec.Encode(frame):
		return nil
	case <-closed:
		return ErrNotConnected
	case <-c.stop:
		return ErrNotConnected
	}
}

// Close shuts the connection without reporting Disconnected.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.down = true
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "bye")
	cancel()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.lost(err)
			return
		}
		frame, err := codec.Decode(string(data))
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.emit(Event{Kind: EventMessage, Frame: frame})
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-out:
			wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, []byte(line))
			cancel()
			if err != nil {
				c.lost(err)
				return
			}
		}
	}
}

// pingLoop is advisory: failures are logged, the read loop decides liveness.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
			if err := conn.Ping(pctx); err != nil && ctx.Err() == nil {
				c.log.Debug("ping failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// lost reports Disconnected once and tears the connection down. There is no
// reconnect.
func (c *Client) lost(err error) {
	c.downOnce.Do(func() {
		c.mu.Lock()
		c.down = true
		conn, cancel := c.conn, c.cancel
		c.mu.Unlock()
		cancel()
		_ = conn.CloseNow()

		select {
		case <-c.stop:
			return
		default:
		}
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			c.log.Info("relay closed the connection", zap.Int("status", int(status)))
		} else {
			c.log.Warn("relay connection lost", zap.Error(err))
		}
		c.emit(Event{Kind: EventDisconnected, Err: err})
	})
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}
