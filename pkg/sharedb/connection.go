// Package sharedb is the client half of the ShareDB protocol as spoken by Webstrates servers: it keeps a snapshot
// of every subscribed document, applies remote json0 operations to it and submits local operations one at a time.
//
// Concurrent operations are not transformed. When a remote operation cannot be applied directly, because local
// operations are outstanding or versions skipped, the document is re-fetched and its listener is told that local
// operations were discarded so it can re-derive them against the fresh snapshot.
package sharedb

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/astromechza/strate-sync/pkg/wire"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrDestroyed    = errors.New("document destroyed")
)

// Sender delivers messages to the server.
type Sender interface {
	Send(m *wire.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(m *wire.Message) error

func (f SenderFunc) Send(m *wire.Message) error {
	return f(m)
}

// Connection multiplexes document handles over one socket. It stays valid across reconnects: Bind attaches a new
// socket and re-subscribes every open document before any further message is handled.
type Connection struct {
	log *slog.Logger

	mu     sync.Mutex
	sender Sender
	id     string
	seq    int
	docs   map[string]*Doc
}

// NewConnection creates an unbound connection.
func NewConnection(log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		log:  log.With("component", "sharedb"),
		id:   uuid.NewString(),
		docs: make(map[string]*Doc),
	}
}

// ID is the source id stamped on submitted operations.
func (c *Connection) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Get returns the handle for a document, creating it on first use.
func (c *Connection) Get(collection, id string) *Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := wire.Key(collection, id)
	if d, ok := c.docs[key]; ok {
		return d
	}
	d := &Doc{conn: c, collection: collection, id: id}
	c.docs[key] = d
	return d
}

// Bind attaches a sender, performs the handshake and re-subscribes every document that asked to be subscribed.
func (c *Connection) Bind(s Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = s
	if err := c.sendLocked(&wire.Message{Action: wire.ActionHandshake}); err != nil {
		return err
	}
	for _, d := range c.docs {
		if d.wantSubscribe && d.state != Closed {
			d.state = Subscribing
			if err := c.sendLocked(d.subscribeMessage()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Unbind detaches the sender after the socket went away. Documents keep their data and outstanding operations.
func (c *Connection) Unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = nil
	for _, d := range c.docs {
		if d.state != Closed {
			d.state = Uninitialized
		}
	}
}

// Connected reports whether a sender is bound.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender != nil
}

func (c *Connection) sendLocked(m *wire.Message) error {
	if c.sender == nil {
		return ErrNotConnected
	}
	return c.sender.Send(m)
}

func (c *Connection) nextSeqLocked() int {
	c.seq++
	return c.seq
}

// HandleMessage processes one non-control message from the server. It must be called from a single goroutine;
// listeners are invoked on that goroutine after the connection lock is released.
func (c *Connection) HandleMessage(m *wire.Message) {
	var notify []func()
	c.mu.Lock()
	switch m.Action {
	case wire.ActionHandshake:
		if m.ID != "" {
			c.id = m.ID
		}
		c.log.Debug("handshake complete", "client", c.id)
	case wire.ActionSubscribe, wire.ActionFetch:
		if d, ok := c.docs[m.Key()]; ok {
			notify = d.handleSnapshotLocked(m)
		}
	case wire.ActionUnsubscribe:
	case wire.ActionOp:
		if d, ok := c.docs[m.Key()]; ok {
			notify = d.handleOpLocked(m)
		}
	default:
		c.log.Debug("ignoring message", "action", m.Action)
	}
	c.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
}
