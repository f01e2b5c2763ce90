// Package relay is a small in-process server speaking the ShareDB json0 subset used by the sync client. It keeps
// documents in memory, records every committed version in an automerge history, backs both up to sqlite and can
// fan committed operations out to other relay instances over a Bus.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/astromechza/strate-sync/pkg/ot"
	"github.com/astromechza/strate-sync/pkg/wire"
)

// Error codes sent in op and subscribe replies.
const (
	CodeVersionMismatch = wire.CodeVersionMismatch
	CodeDocExists       = 4002
	CodeDocMissing      = 4003
	CodeApplyFailed     = 4004
	CodeBadRequest      = 4005
)

type document struct {
	collection string
	id         string
	version    int
	typ        string
	data       any
	history    *automerge.Doc
	dirty      bool
	subs       mapset.Set[*client]
}

func (d *document) snapshot() *wire.Snapshot {
	return &wire.Snapshot{Version: d.version, Type: d.typ, Data: ot.DeepCopy(d.data)}
}

// commit records the current state as a new history entry.
func (d *document) commit() error {
	raw, err := json.Marshal(d.data)
	if err != nil {
		return fmt.Errorf("failed to encode tree: %w", err)
	}
	if err := d.history.Path("version").Set(d.version); err != nil {
		return fmt.Errorf("failed to set version: %w", err)
	}
	if err := d.history.Path("type").Set(d.typ); err != nil {
		return fmt.Errorf("failed to set type: %w", err)
	}
	if err := d.history.Path("tree").Set(string(raw)); err != nil {
		return fmt.Errorf("failed to set tree: %w", err)
	}
	if _, err := d.history.Commit(fmt.Sprintf("v%d", d.version)); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// busEnvelope wraps an op broadcast so instances can ignore their own publications.
type busEnvelope struct {
	Origin  string        `json:"origin"`
	Message *wire.Message `json:"message"`
}

type Hub struct {
	log     *slog.Logger
	bus     Bus
	origin  string
	metrics *metrics

	mu      sync.Mutex
	docs    map[string]*document
	clients mapset.Set[*client]
}

func NewHub(bus Bus, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log.With("component", "relay"),
		bus:     bus,
		origin:  uuid.NewString(),
		metrics: newMetrics(),
		docs:    make(map[string]*document),
		clients: mapset.NewThreadUnsafeSet[*client](),
	}
}

func (h *Hub) docLocked(collection, id string) *document {
	k := wire.Key(collection, id)
	d, ok := h.docs[k]
	if !ok {
		d = &document{collection: collection, id: id, history: automerge.New(), subs: mapset.NewThreadUnsafeSet[*client]()}
		h.docs[k] = d
	}
	return d
}

// Snapshot returns the current state of a document. ok is false when it was never created.
func (h *Hub) Snapshot(collection, id string) (snap *wire.Snapshot, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, found := h.docs[wire.Key(collection, id)]
	if !found || d.typ == "" {
		return nil, false
	}
	return d.snapshot(), true
}

// History returns a fork of the version history of a document.
func (h *Hub) History(collection, id string) (*automerge.Doc, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.docs[wire.Key(collection, id)]
	if !ok {
		return nil, fmt.Errorf("no such document %s/%s", collection, id)
	}
	return d.history.Fork()
}

// Clients returns the number of connected sockets.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients.Cardinality()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients.Add(c)
	h.metrics.clients.Set(float64(h.clients.Cardinality()))
	h.log.Info("client registered", "client", c.id, "clients", h.clients.Cardinality())
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients.Contains(c) {
		return
	}
	h.clients.Remove(c)
	h.metrics.clients.Set(float64(h.clients.Cardinality()))
	for _, d := range h.docs {
		d.subs.Remove(c)
	}
	h.log.Info("client unregistered", "client", c.id, "clients", h.clients.Cardinality())
}

// handle processes one frame from c.
func (h *Hub) handle(ctx context.Context, c *client, raw []byte) {
	m, err := wire.Decode(raw)
	if err != nil {
		h.log.Warn("dropping undecodable frame", "client", c.id, "err", err)
		return
	}
	if m.IsControl() {
		return
	}

	var publish []byte
	h.mu.Lock()
	switch m.Action {
	case wire.ActionHandshake:
		c.enqueue(&wire.Message{Action: wire.ActionHandshake, ID: c.id})
	case wire.ActionSubscribe, wire.ActionFetch:
		d := h.docLocked(m.Collection, m.Doc)
		if m.Action == wire.ActionSubscribe {
			d.subs.Add(c)
		}
		c.enqueue(&wire.Message{Action: m.Action, Collection: m.Collection, Doc: m.Doc, Data: d.snapshot()})
	case wire.ActionUnsubscribe:
		if d, ok := h.docs[m.Key()]; ok {
			d.subs.Remove(c)
		}
		c.enqueue(&wire.Message{Action: wire.ActionUnsubscribe, Collection: m.Collection, Doc: m.Doc})
	case wire.ActionOp:
		publish = h.submitLocked(c, m)
	default:
		c.enqueue(&wire.Message{Action: m.Action, Error: &wire.Error{Code: CodeBadRequest, Message: "unknown action " + m.Action}})
	}
	h.mu.Unlock()

	if publish != nil && h.bus != nil {
		if err := h.bus.Publish(ctx, publish); err != nil {
			h.log.Warn("failed to publish op", "err", err)
		}
	}
}

// submitLocked commits an op from c, acknowledges it and broadcasts it. It returns the bus payload for committed
// ops.
func (h *Hub) submitLocked(c *client, m *wire.Message) []byte {
	reject := func(code int, format string, args ...any) []byte {
		h.log.Info("rejecting op", "doc", m.Key(), "client", c.id, "code", code)
		h.metrics.ops.WithLabelValues("rejected").Inc()
		c.enqueue(&wire.Message{
			Action: wire.ActionOp, Collection: m.Collection, Doc: m.Doc, Src: m.Src, Seq: m.Seq,
			Error: &wire.Error{Code: code, Message: fmt.Sprintf(format, args...)},
		})
		return nil
	}
	if m.Version == nil {
		return reject(CodeBadRequest, "op without version")
	}
	d := h.docLocked(m.Collection, m.Doc)
	if *m.Version != d.version {
		return reject(CodeVersionMismatch, "op at version %d but document is at %d", *m.Version, d.version)
	}
	if err := applyLocked(d, m); err != nil {
		return reject(codeOf(err), "%s", err.Error())
	}
	if err := d.commit(); err != nil {
		h.log.Warn("failed to record history", "doc", m.Key(), "err", err)
	}

	h.metrics.ops.WithLabelValues("committed").Inc()
	c.enqueue(&wire.Message{Action: wire.ActionOp, Collection: m.Collection, Doc: m.Doc, Src: m.Src, Seq: m.Seq, Version: m.Version})
	h.broadcastLocked(d, m, c)

	raw, err := json.Marshal(busEnvelope{Origin: h.origin, Message: m})
	if err != nil {
		h.log.Warn("failed to encode bus payload", "err", err)
		return nil
	}
	return raw
}

type opError struct {
	code int
	msg  string
}

func (e *opError) Error() string { return e.msg }

func codeOf(err error) int {
	var oe *opError
	if errors.As(err, &oe) {
		return oe.code
	}
	return CodeApplyFailed
}

// applyLocked applies a create, delete or edit at the current version and advances it.
func applyLocked(d *document, m *wire.Message) error {
	switch {
	case m.Create != nil:
		if d.typ != "" {
			return &opError{code: CodeDocExists, msg: "document already exists"}
		}
		typ := m.Create.Type
		if typ == "" {
			typ = wire.TypeJSON0
		}
		d.typ, d.data = typ, ot.DeepCopy(m.Create.Data)
	case m.Del:
		if d.typ == "" {
			return &opError{code: CodeDocMissing, msg: "document does not exist"}
		}
		d.typ, d.data = "", nil
	default:
		if d.typ == "" {
			return &opError{code: CodeDocMissing, msg: "document does not exist"}
		}
		next, err := ot.Apply(d.data, m.Op)
		if err != nil {
			return err
		}
		d.data = next
	}
	d.version++
	d.dirty = true
	return nil
}

func (h *Hub) broadcastLocked(d *document, m *wire.Message, except *client) {
	out := &wire.Message{
		Action: wire.ActionOp, Collection: m.Collection, Doc: m.Doc, Version: m.Version,
		Src: m.Src, Seq: m.Seq, Op: m.Op, Create: m.Create, Del: m.Del,
	}
	d.subs.Each(func(sub *client) bool {
		if sub != except {
			sub.enqueue(out)
		}
		return false
	})
}

// receive applies an op committed by another instance.
func (h *Hub) receive(payload []byte) {
	var env busEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.log.Warn("dropping undecodable bus payload", "err", err)
		return
	}
	if env.Origin == h.origin || env.Message == nil || env.Message.Version == nil {
		return
	}
	m := env.Message
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.docLocked(m.Collection, m.Doc)
	if *m.Version != d.version {
		h.log.Warn("skipping remote op out of sequence", "doc", m.Key(), "version", *m.Version, "local", d.version)
		return
	}
	if err := applyLocked(d, m); err != nil {
		h.log.Warn("remote op did not apply", "doc", m.Key(), "err", err)
		return
	}
	if err := d.commit(); err != nil {
		h.log.Warn("failed to record history", "doc", m.Key(), "err", err)
	}
	h.metrics.ops.WithLabelValues("remote").Inc()
	h.broadcastLocked(d, m, nil)
}

// Listen applies ops from other instances until ctx is cancelled.
func (h *Hub) Listen(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	return h.bus.Listen(ctx, h.receive)
}

// Restore loads stored documents. It must be called before clients connect.
func (h *Hub) Restore(ctx context.Context, store *Store) error {
	records, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range records {
		d := h.docLocked(r.Collection, r.ID)
		d.version, d.typ, d.data = r.Version, r.Type, r.Data
		if len(r.History) > 0 {
			if d.history, err = automerge.Load(r.History); err != nil {
				return fmt.Errorf("failed to load history of %s/%s: %w", r.Collection, r.ID, err)
			}
		}
	}
	h.log.Info("restored documents", "count", len(records))
	return nil
}

// Backup persists every document changed since the last backup.
func (h *Hub) Backup(ctx context.Context, store *Store) error {
	h.mu.Lock()
	var records []Record
	var dirty []*document
	for _, d := range h.docs {
		if !d.dirty {
			continue
		}
		records = append(records, Record{
			Collection: d.collection, ID: d.id, Version: d.version, Type: d.typ,
			Data: ot.DeepCopy(d.data), History: d.history.Save(),
		})
		dirty = append(dirty, d)
		d.dirty = false
	}
	h.mu.Unlock()

	for i, r := range records {
		changed, err := store.Save(ctx, r)
		if err != nil {
			h.mu.Lock()
			dirty[i].dirty = true
			h.mu.Unlock()
			return err
		}
		if changed {
			h.metrics.backups.Inc()
			h.log.Info("backed up", "doc", wire.Key(r.Collection, r.ID), "version", r.Version)
		}
	}
	return nil
}

// RunBackups calls Backup every interval until ctx is cancelled, then once more.
func (h *Hub) RunBackups(ctx context.Context, store *Store, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := h.Backup(ctx, store); err != nil {
				h.log.Error("failed to backup documents", "err", err)
			}
		case <-ctx.Done():
			if err := h.Backup(context.Background(), store); err != nil {
				h.log.Error("failed to backup documents", "err", err)
			}
			return
		}
	}
}
