package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/clienterr"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultReadLimit  = 1 << 20
	defaultAckTimeout = 5 * time.Second
	opDial            = "transport.dial"
	opEmit            = "transport.emit"
	opRead            = "transport.read"
	opPing            = "transport.ping"
	opAck             = "transport.ack"
)

// WebSocketDialer opens channels over websocket text frames carrying JSON envelopes.
type WebSocketDialer struct {
	HTTPClient   *http.Client
	Header       http.Header
	PingInterval time.Duration
	AckTimeout   time.Duration
	ReadLimit    int64
	Logger       *zap.Logger
}

// Dial connects to url and starts the channel's reader.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Channel, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, clienterr.Transport(opDial, "failed", err)
	}

	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	ackTimeout := d.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	channelCtx, cancel := context.WithCancel(context.Background())
	ch := &wsChannel{
		id:         uuid.NewString(),
		conn:       conn,
		listeners:  NewRegistry(),
		ctx:        channelCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		acks:       make(map[uint64]*pendingAck),
		ackTimeout: ackTimeout,
	}
	ch.logger = logger.With(zap.String("channel_id", ch.id))

	go ch.readLoop()
	if d.PingInterval > 0 {
		go ch.pingLoop(d.PingInterval)
	}
	ch.logger.Debug("channel open", zap.String("url", url))
	return ch, nil
}

type wsChannel struct {
	id        string
	conn      *websocket.Conn
	listeners *Registry
	logger    *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	err        error
	acks       map[uint64]*pendingAck
	nextAck    atomic.Uint64
	ackTimeout time.Duration
}

type pendingAck struct {
	fn    AckFunc
	timer *time.Timer
}

func (c *wsChannel) ID() string {
	return c.id
}

func (c *wsChannel) Done() <-chan struct{} {
	return c.done
}

func (c *wsChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsChannel) On(event string, handler Handler) func() {
	return c.listeners.On(event, handler)
}

func (c *wsChannel) ListenerCount(event string) int {
	return c.listeners.Count(event)
}

func (c *wsChannel) Emit(ctx context.Context, event string, payload any) error {
	envelope, err := NewEnvelope(event, payload, 0)
	if err != nil {
		return err
	}
	return c.write(ctx, envelope)
}

func (c *wsChannel) EmitWithAck(ctx context.Context, event string, payload any, ack AckFunc) error {
	if ack == nil {
		return c.Emit(ctx, event, payload)
	}
	id := c.nextAck.Add(1)
	envelope, err := NewEnvelope(event, payload, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	pending := &pendingAck{fn: ack}
	pending.timer = time.AfterFunc(c.ackTimeout, func() {
		if expired := c.takeAck(id); expired != nil {
			expired.fn(nil, clienterr.Transport(opAck, "timeout", ErrAckTimeout))
		}
	})
	c.acks[id] = pending
	c.mu.Unlock()

	if err := c.write(ctx, envelope); err != nil {
		c.takeAck(id)
		return err
	}
	return nil
}

func (c *wsChannel) Close() error {
	c.shutdown(clienterr.Transport(opEmit, "closed", ErrChannelClosed), true)
	return nil
}

func (c *wsChannel) write(ctx context.Context, envelope Envelope) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return clienterr.Transport(opEmit, "write_failed", err)
	}
	return nil
}

func (c *wsChannel) readLoop() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.shutdown(clienterr.Transport(opRead, readFailureReason(err), err), false)
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}

		if envelope.Event == EventAck {
			if pending := c.takeAck(envelope.Ack); pending != nil {
				pending.fn(envelope.Data, nil)
			}
			continue
		}
		c.listeners.Dispatch(envelope.Event, envelope.Data)
	}
}

func (c *wsChannel) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, interval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.shutdown(clienterr.Transport(opPing, "timeout", err), false)
				return
			}
		}
	}
}

func (c *wsChannel) takeAck(id uint64) *pendingAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.acks[id]
	if !ok {
		return nil
	}
	delete(c.acks, id)
	pending.timer.Stop()
	return pending
}

func (c *wsChannel) shutdown(cause error, local bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		pending := c.acks
		c.acks = make(map[uint64]*pendingAck)
		c.mu.Unlock()

		if local {
			_ = c.conn.Close(websocket.StatusNormalClosure, "client closing")
		} else {
			_ = c.conn.CloseNow()
		}
		c.cancel()
		close(c.done)

		for _, ack := range pending {
			ack.timer.Stop()
			ack.fn(nil, clienterr.Transport(opAck, "channel_closed", ErrChannelClosed))
		}
		if local {
			c.logger.Debug("channel closed")
		} else {
			c.logger.Info("channel dropped", zap.Error(cause))
		}
	})
}

func readFailureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		return "closed_by_server"
	default:
		return "failed"
	}
}
