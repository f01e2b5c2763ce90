package sharedb

import (
	"errors"
	"fmt"

	"github.com/astromechza/strate-sync/pkg/ot"
	"github.com/astromechza/strate-sync/pkg/wire"
)

// State of a document handle.
type State int

const (
	Uninitialized State = iota
	Subscribing
	Live
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Subscribing:
		return "subscribing"
	case Live:
		return "live"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SnapshotEvent is delivered whenever the handle receives a full snapshot.
type SnapshotEvent struct {
	Exists bool
	// DiscardedLocal is set when operations submitted through this handle were dropped before the server
	// acknowledged them. The listener is expected to re-derive its changes against the new snapshot.
	DiscardedLocal bool
}

// Listener receives the events of one document. Calls are serialized.
type Listener interface {
	Snapshot(ev SnapshotEvent)
	Op(ops []ot.Op)
	Error(err error)
}

type pendingOp struct {
	ops    []ot.Op
	create *wire.Create
	seq    int
}

// Doc is the handle of one remote document. All fields are guarded by the owning connection's lock.
type Doc struct {
	conn       *Connection
	collection string
	id         string

	state         State
	wantSubscribe bool
	version       int
	typ           string
	data          any
	listener      Listener
	inflight      *pendingOp
	pending       []*pendingOp
}

func (d *Doc) Collection() string { return d.collection }
func (d *Doc) ID() string         { return d.id }

// Subscribe registers the listener and asks the server for the snapshot and all future operations. If the socket
// is not connected the subscription is sent on the next Bind.
func (d *Doc) Subscribe(l Listener) error {
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.state == Closed {
		return ErrDestroyed
	}
	d.listener = l
	d.wantSubscribe = true
	if c.sender == nil {
		return nil
	}
	d.state = Subscribing
	if err := c.sendLocked(d.subscribeMessage()); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", d.id, err)
	}
	return nil
}

// Create creates the document locally and queues the creation for the server.
func (d *Doc) Create(data any) error {
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.state == Closed {
		return ErrDestroyed
	}
	if d.typ != "" {
		return fmt.Errorf("document %s already exists", d.id)
	}
	d.typ = wire.TypeJSON0
	d.data = ot.DeepCopy(data)
	d.pending = append(d.pending, &pendingOp{create: &wire.Create{Type: wire.TypeJSON0, Data: ot.DeepCopy(data)}})
	d.flushLocked()
	return nil
}

// SubmitOp applies ops to the local snapshot and queues them for the server. An error wrapping ot.ErrIncompatible
// is returned, and nothing is queued, when the ops do not fit the snapshot.
func (d *Doc) SubmitOp(ops []ot.Op) error {
	if len(ops) == 0 {
		return nil
	}
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.state == Closed {
		return ErrDestroyed
	}
	if d.typ == "" {
		return fmt.Errorf("document %s does not exist", d.id)
	}
	next, err := ot.Apply(d.data, ops)
	if err != nil {
		return err
	}
	d.data = next
	if n := len(d.pending); n > 0 && d.pending[n-1].create == nil {
		d.pending[n-1].ops = append(d.pending[n-1].ops, ops...)
	} else {
		d.pending = append(d.pending, &pendingOp{ops: ops})
	}
	d.flushLocked()
	return nil
}

// Destroy unsubscribes and forgets the handle. Outstanding operations are dropped.
func (d *Doc) Destroy() error {
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.state == Closed {
		return nil
	}
	d.state = Closed
	d.listener = nil
	d.inflight, d.pending = nil, nil
	delete(c.docs, wire.Key(d.collection, d.id))
	if d.wantSubscribe && c.sender != nil {
		if err := c.sendLocked(&wire.Message{Action: wire.ActionUnsubscribe, Collection: d.collection, Doc: d.id}); err != nil && !errors.Is(err, ErrNotConnected) {
			return fmt.Errorf("failed to unsubscribe from %s: %w", d.id, err)
		}
	}
	return nil
}

// Data returns a copy of the current snapshot in generic JsonML form.
func (d *Doc) Data() any {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	return ot.DeepCopy(d.data)
}

func (d *Doc) Version() int {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	return d.version
}

func (d *Doc) Exists() bool {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	return d.typ != ""
}

func (d *Doc) State() State {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	return d.state
}

// HasPendingWrites reports whether submitted operations have not been acknowledged yet.
func (d *Doc) HasPendingWrites() bool {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	return d.inflight != nil || len(d.pending) > 0
}

func (d *Doc) subscribeMessage() *wire.Message {
	return &wire.Message{Action: wire.ActionSubscribe, Collection: d.collection, Doc: d.id}
}

func (d *Doc) flushLocked() {
	c := d.conn
	if d.inflight != nil || len(d.pending) == 0 || d.state != Live || c.sender == nil {
		return
	}
	p := d.pending[0]
	p.seq = c.nextSeqLocked()
	m := &wire.Message{
		Action:     wire.ActionOp,
		Collection: d.collection,
		Doc:        d.id,
		Version:    wire.V(d.version),
		Src:        c.id,
		Seq:        p.seq,
		Op:         p.ops,
		Create:     p.create,
	}
	if err := c.sendLocked(m); err != nil {
		c.log.Warn("failed to send op, keeping it queued", "doc", d.id, "err", err)
		return
	}
	d.pending = d.pending[1:]
	d.inflight = p
}

// resyncLocked asks for a fresh snapshot. Outstanding operations are dropped when it arrives.
func (d *Doc) resyncLocked(reason string) {
	c := d.conn
	c.log.Info("re-fetching document", "doc", d.id, "reason", reason)
	d.state = Subscribing
	if err := c.sendLocked(&wire.Message{Action: wire.ActionFetch, Collection: d.collection, Doc: d.id}); err != nil {
		c.log.Warn("failed to request snapshot", "doc", d.id, "err", err)
	}
}

func (d *Doc) handleSnapshotLocked(m *wire.Message) []func() {
	l := d.listener
	if d.state == Closed {
		return nil
	}
	if m.Error != nil {
		err := fmt.Errorf("failed to load %s: %w", d.id, m.Error)
		if l == nil {
			return nil
		}
		return []func(){func() { l.Error(err) }}
	}
	ev := SnapshotEvent{DiscardedLocal: d.inflight != nil || len(d.pending) > 0}
	d.inflight, d.pending = nil, nil
	d.state = Live
	if m.Data != nil {
		d.version = m.Data.Version
		d.typ = m.Data.Type
		d.data = m.Data.Data
	} else {
		d.version, d.typ, d.data = 0, "", nil
	}
	if d.typ == "" {
		d.data = nil
	}
	ev.Exists = d.typ != ""
	if l == nil {
		return nil
	}
	return []func(){func() { l.Snapshot(ev) }}
}

func (d *Doc) handleOpLocked(m *wire.Message) []func() {
	c := d.conn
	l := d.listener
	if d.state == Closed {
		return nil
	}

	if m.Src == c.id {
		if m.Error != nil {
			err := fmt.Errorf("operation on %s rejected: %w", d.id, m.Error)
			d.resyncLocked("operation rejected")
			if l == nil {
				return nil
			}
			return []func(){func() { l.Error(err) }}
		}
		if d.inflight != nil && m.Seq == d.inflight.seq && m.Version != nil {
			d.version = *m.Version + 1
			d.inflight = nil
			d.flushLocked()
		}
		return nil
	}
	if m.Error != nil {
		c.log.Warn("server reported an error", "doc", d.id, "err", m.Error)
		return nil
	}
	if d.state != Live || m.Version == nil {
		return nil
	}

	v := *m.Version
	switch {
	case v < d.version:
		return nil
	case v > d.version:
		d.resyncLocked(fmt.Sprintf("missed versions %d to %d", d.version, v))
		return nil
	case d.inflight != nil || len(d.pending) > 0:
		d.resyncLocked("concurrent remote operation")
		return nil
	}

	var ops []ot.Op
	switch {
	case m.Create != nil:
		d.typ = m.Create.Type
		d.data = ot.DeepCopy(m.Create.Data)
	case m.Del:
		d.typ, d.data = "", nil
	default:
		next, err := ot.Apply(d.data, m.Op)
		if err != nil {
			d.resyncLocked("remote operation did not apply")
			if l == nil {
				return nil
			}
			return []func(){func() { l.Error(err) }}
		}
		d.data = next
		ops = m.Op
	}
	d.version++
	if l == nil {
		return nil
	}
	return []func(){func() { l.Op(ops) }}
}
