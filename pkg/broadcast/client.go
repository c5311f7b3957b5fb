package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/surrealdb/surrealshop/internal/logger"
	"github.com/surrealdb/surrealshop/pkg/remote"
)

// CloseMessageCode is sent when an endpoint leaves the relay.
const CloseMessageCode = websocket.CloseNormalClosure

var errReconnecting = errors.New("broadcast relay reconnecting")

// RemoteEndpoint is a Channel backed by a Relay connection. A lost connection
// is redialed, paced by the endpoint's retryer, and the registered handlers
// keep receiving once it is back. Hints sent while it is down fail.
type RemoteEndpoint struct {
	handlers
	name    string
	origin  string
	url     string
	log     logger.Logger
	inbox   *inbox
	retryer remote.Retryer

	conn     *websocket.Conn
	connLock sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	close     chan struct{}
	closeOnce sync.Once
}

type DialOption func(*RemoteEndpoint)

// WithRetryer paces reconnects. The default retries until Close.
func WithRetryer(r remote.Retryer) DialOption {
	return func(e *RemoteEndpoint) { e.retryer = r }
}

func reconnectBackoff() *remote.Backoff {
	return &remote.Backoff{
		Initial:    100 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Dial connects to the relay at rawURL and joins channel name. Only the first
// connection has to succeed here; later ones are made in the background.
func Dial(ctx context.Context, rawURL, name string, log logger.Logger, opts ...DialOption) (*RemoteEndpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("channel", name)
	u.RawQuery = q.Encode()

	e := &RemoteEndpoint{
		name:    name,
		origin:  uuid.NewString(),
		url:     u.String(),
		log:     logger.OrNop(log),
		retryer: reconnectBackoff(),
		close:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	conn, err := e.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", rawURL, err)
	}
	e.conn = conn
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.inbox = newInbox(e.deliver)
	go e.readLoop(conn)
	return e, nil
}

func (e *RemoteEndpoint) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.EnableCompression = true
	conn, _, err := dialer.DialContext(ctx, e.url, nil)
	return conn, err
}

func (e *RemoteEndpoint) Origin() string { return e.origin }

func (e *RemoteEndpoint) Broadcast(id string, version int64) error {
	select {
	case <-e.close:
		return ErrClosed
	default:
	}
	frame, err := Encode(Message{
		Channel: e.name,
		ID:      id,
		Version: version,
		Origin:  e.origin,
		SentAt:  time.Now(),
	})
	if err != nil {
		return err
	}

	e.connLock.Lock()
	defer e.connLock.Unlock()
	if e.conn == nil {
		return fmt.Errorf("broadcast %s: %w", id, errReconnecting)
	}
	_ = e.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := e.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("broadcast %s: %w", id, err)
	}
	return nil
}

func (e *RemoteEndpoint) OnUpdate(fn func(Message)) func() {
	return e.add(fn)
}

// Done is closed once the endpoint is closed or gives up reconnecting.
func (e *RemoteEndpoint) Done() <-chan struct{} { return e.close }

func (e *RemoteEndpoint) Close() error {
	e.shutdown(true)
	return nil
}

func (e *RemoteEndpoint) shutdown(goodbye bool) {
	e.closeOnce.Do(func() {
		close(e.close)
		e.cancel()
		e.connLock.Lock()
		if e.conn != nil {
			if goodbye {
				_ = e.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseMessageCode, ""))
			}
			_ = e.conn.Close()
			e.conn = nil
		}
		e.connLock.Unlock()
		e.inbox.close()
	})
}

func (e *RemoteEndpoint) closed() bool {
	select {
	case <-e.close:
		return true
	default:
		return false
	}
}

func (e *RemoteEndpoint) readLoop(conn *websocket.Conn) {
	for {
		err := e.read(conn)
		if e.closed() {
			return
		}
		e.log.Warn("broadcast relay connection lost, reconnecting", "channel", e.name, "error", err)
		if conn = e.reconnect(conn); conn == nil {
			return
		}
		e.log.Info("broadcast relay reconnected", "channel", e.name)
	}
}

// read forwards frames from conn until it fails.
func (e *RemoteEndpoint) read(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m, err := Decode(data)
		if err != nil {
			e.log.Debug("broadcast frame dropped", "channel", e.name, "error", err)
			continue
		}
		if m.Origin == e.origin {
			continue
		}
		e.inbox.push(m)
	}
}

// reconnect replaces the lost connection. It returns nil when the endpoint
// was closed or the retryer gave up, which closes the endpoint.
func (e *RemoteEndpoint) reconnect(lost *websocket.Conn) *websocket.Conn {
	e.connLock.Lock()
	if e.conn == lost {
		e.conn = nil
	}
	e.connLock.Unlock()
	_ = lost.Close()

	var next *websocket.Conn
	err := remote.Retry(e.ctx, e.retryer, func(ctx context.Context) error {
		conn, err := e.dial(ctx)
		if err != nil {
			e.log.Debug("broadcast relay redial failed", "channel", e.name, "error", err)
			return err
		}
		e.connLock.Lock()
		defer e.connLock.Unlock()
		if e.closed() {
			_ = conn.Close()
			return context.Canceled
		}
		e.conn = conn
		next = conn
		return nil
	})
	if err != nil {
		if !e.closed() {
			e.log.Error("broadcast relay unreachable, giving up", "channel", e.name, "error", err)
			e.shutdown(false)
		}
		return nil
	}
	return next
}
