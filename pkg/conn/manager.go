// Package conn owns the socket to one server endpoint: it dials, keeps the connection alive, filters control
// frames, classifies failures and reconnects after a delay. Document traffic is delegated to a sharedb.Connection
// that survives reconnects.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/astromechza/strate-sync/pkg/config"
	"github.com/astromechza/strate-sync/pkg/event"
	"github.com/astromechza/strate-sync/pkg/sharedb"
	"github.com/astromechza/strate-sync/pkg/syncerr"
	"github.com/astromechza/strate-sync/pkg/transport"
	"github.com/astromechza/strate-sync/pkg/wire"
)

var ErrClosed = errors.New("connection manager closed")

type Options struct {
	URL            string
	Reconnect      bool
	ReconnectDelay time.Duration
	// Backoff is "constant" (every attempt waits ReconnectDelay) or "exponential" (starting at ReconnectDelay).
	Backoff     string
	MaxAttempts int
	KeepAlive   time.Duration
}

// OptionsFrom maps a workspace configuration onto manager options.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		URL:            cfg.WebsocketURL(),
		Reconnect:      cfg.Reconnect,
		ReconnectDelay: cfg.ReconnectDelay(),
		Backoff:        cfg.ReconnectBackoff,
		MaxAttempts:    cfg.MaxReconnectAttempts,
		KeepAlive:      cfg.KeepAlive(),
	}
}

type EventKind int

const (
	Connected EventKind = iota
	Disconnected
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is emitted on every lifecycle change. Err is set for Failed events.
type Event struct {
	Kind EventKind
	Err  *syncerr.Record
}

type Manager struct {
	opts   Options
	dialer transport.Dialer
	log    *slog.Logger
	docs   *sharedb.Connection
	events event.Emitter[Event]

	mu             sync.Mutex
	ctx            context.Context
	socket         transport.Socket
	generation     int
	stopHeartbeat  context.CancelFunc
	reconnectTimer *time.Timer
	backoff        backoff.BackOff
	attempts       int
	closed         bool
}

func New(opts Options, dialer transport.Dialer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 10 * time.Second
	}
	log = log.With("component", "conn", "url", opts.URL)
	return &Manager{
		opts:    opts,
		dialer:  dialer,
		log:     log,
		docs:    sharedb.NewConnection(log),
		backoff: newBackOff(opts),
		ctx:     context.Background(),
	}
}

func newBackOff(opts Options) backoff.BackOff {
	if opts.Backoff == "exponential" {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = opts.ReconnectDelay
		// no jitter: a reconnect never fires before ReconnectDelay
		b.RandomizationFactor = 0
		b.MaxInterval = 10 * opts.ReconnectDelay
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(opts.ReconnectDelay)
}

// Docs returns the document connection multiplexed over this manager's socket.
func (m *Manager) Docs() *sharedb.Connection {
	return m.docs
}

// Subscribe registers a lifecycle listener.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	return m.events.Subscribe(fn)
}

// Connected reports whether a socket is currently established.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socket != nil
}

// Connect replaces any existing socket with a new one. Documents are re-subscribed before the first message on
// the new socket is processed. On a non-fatal dial failure a reconnect is scheduled when enabled.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.ctx = ctx
	m.cancelReconnectLocked()
	old := m.teardownLocked()
	gen := m.generation
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
		m.docs.Unbind()
	}

	m.log.Info("connecting")
	sock, err := m.dialer.Dial(ctx, m.opts.URL)
	if err != nil {
		rec := classify(err)
		m.log.Error("failed to connect", "err", err)
		m.events.Emit(Event{Kind: Failed, Err: rec})
		if !rec.Fatal() {
			m.mu.Lock()
			m.scheduleReconnectLocked()
			m.mu.Unlock()
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		_ = sock.Close()
		return fmt.Errorf("connection superseded")
	}
	m.socket = sock
	hbCtx, cancel := context.WithCancel(ctx)
	m.stopHeartbeat = cancel
	m.backoff.Reset()
	m.attempts = 0
	m.mu.Unlock()

	if err := m.docs.Bind(m.senderFor(gen)); err != nil {
		m.drop(gen, err)
		return fmt.Errorf("failed to bind documents: %w", err)
	}
	go m.heartbeat(hbCtx, sock)
	go m.readLoop(gen, sock)
	m.log.Info("connected")
	m.events.Emit(Event{Kind: Connected})
	return nil
}

// Close tears the socket down and disables reconnects.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancelReconnectLocked()
	old := m.teardownLocked()
	m.mu.Unlock()
	if old == nil {
		return nil
	}
	m.docs.Unbind()
	err := old.Close()
	m.events.Emit(Event{Kind: Disconnected})
	return err
}

func (m *Manager) senderFor(gen int) sharedb.Sender {
	return sharedb.SenderFunc(func(msg *wire.Message) error {
		m.mu.Lock()
		sock := m.socket
		current := gen == m.generation
		m.mu.Unlock()
		if sock == nil || !current {
			return sharedb.ErrNotConnected
		}
		raw, err := wire.Encode(msg)
		if err != nil {
			return err
		}
		return sock.WriteMessage(raw)
	})
}

func (m *Manager) heartbeat(ctx context.Context, sock transport.Socket) {
	raw, _ := wire.Encode(wire.Alive())
	t := time.NewTicker(m.opts.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := sock.WriteMessage(raw); err != nil {
				m.log.Warn("failed to send keep-alive", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) readLoop(gen int, sock transport.Socket) {
	for {
		raw, err := sock.ReadMessage()
		if err != nil {
			m.drop(gen, err)
			return
		}
		msg, err := wire.Decode(raw)
		if err != nil {
			m.log.Warn("dropping undecodable message", "err", err)
			continue
		}
		if msg.IsControl() {
			m.log.Debug("control message", "type", msg.Type)
			continue
		}
		if msg.IsConnectionError() {
			m.fail(gen, syncerr.New(syncerr.AccessForbidden, "%s", msg.Error.Message))
			return
		}
		m.docs.HandleMessage(msg)
	}
}

// drop handles the loss of the socket of generation gen.
func (m *Manager) drop(gen int, cause error) {
	m.mu.Lock()
	if gen != m.generation || m.socket == nil {
		m.mu.Unlock()
		return
	}
	old := m.teardownLocked()
	m.mu.Unlock()
	_ = old.Close()
	m.docs.Unbind()

	rec := classify(cause)
	m.log.Warn("connection lost", "err", rec)
	m.events.Emit(Event{Kind: Disconnected})
	m.events.Emit(Event{Kind: Failed, Err: rec})

	m.mu.Lock()
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// fail tears the socket down without scheduling a reconnect.
func (m *Manager) fail(gen int, rec *syncerr.Record) {
	m.mu.Lock()
	if gen != m.generation || m.socket == nil {
		m.mu.Unlock()
		return
	}
	old := m.teardownLocked()
	m.mu.Unlock()
	_ = old.Close()
	m.docs.Unbind()

	m.log.Error("connection refused by server", "err", rec)
	m.events.Emit(Event{Kind: Disconnected})
	m.events.Emit(Event{Kind: Failed, Err: rec})
}

// teardownLocked invalidates the current generation and returns the socket for the caller to close outside the
// lock.
func (m *Manager) teardownLocked() transport.Socket {
	m.generation++
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
		m.stopHeartbeat = nil
	}
	old := m.socket
	m.socket = nil
	return old
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) scheduleReconnectLocked() {
	if m.closed || !m.opts.Reconnect || m.reconnectTimer != nil {
		return
	}
	if m.opts.MaxAttempts > 0 && m.attempts >= m.opts.MaxAttempts {
		m.log.Error("giving up reconnecting", "attempts", m.attempts)
		return
	}
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		m.log.Error("giving up reconnecting", "attempts", m.attempts)
		return
	}
	m.attempts++
	ctx := m.ctx
	m.log.Info("scheduling reconnect", "delay", delay, "attempt", m.attempts)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		closed := m.closed
		m.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		if err := m.Connect(ctx); err != nil {
			m.log.Warn("reconnect failed", "err", err)
		}
	})
}

func classify(err error) *syncerr.Record {
	if errors.Is(err, transport.ErrForbidden) {
		return syncerr.Wrap(syncerr.AccessForbidden, err, "access forbidden")
	}
	if _, text, ok := transport.CloseReason(err); ok && text != "" {
		return syncerr.Wrap(syncerr.ServerError, err, text)
	}
	return syncerr.Wrap(syncerr.ServerError, err, "disconnected")
}
