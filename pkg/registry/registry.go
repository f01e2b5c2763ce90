// Package registry keeps track of the file documents open in a workspace, all sharing one connection manager.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/astromechza/strate-sync/pkg/config"
	"github.com/astromechza/strate-sync/pkg/conn"
	"github.com/astromechza/strate-sync/pkg/document"
	"github.com/astromechza/strate-sync/pkg/event"
	"github.com/astromechza/strate-sync/pkg/state"
	"github.com/astromechza/strate-sync/pkg/syncerr"
)

var ErrNotOpen = errors.New("no document open for path")

// StateStore persists the set of open documents. *state.Store implements it.
type StateStore interface {
	Put(e state.Entry) error
	Delete(path string) error
	List() ([]state.Entry, error)
}

var _ StateStore = (*state.Store)(nil)

type Options struct {
	Config config.Config
	Files  document.Files
	Logger *slog.Logger
	State  StateStore
}

// DocError is an error record attributed to a document.
type DocError struct {
	Doc *document.FileDocument
	Err *syncerr.Record
}

type entry struct {
	doc     *document.FileDocument
	cancels []func()
}

type Registry struct {
	cfg   config.Config
	mgr   *conn.Manager
	files document.Files
	log   *slog.Logger
	state StateStore

	mu        sync.Mutex
	docs      map[string]*entry
	cancelMgr func()

	connected    event.Emitter[*document.FileDocument]
	disconnected event.Emitter[*document.FileDocument]
	failed       event.Emitter[DocError]
}

func New(mgr *conn.Manager, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Files == nil {
		opts.Files = document.OSFiles{}
	}
	r := &Registry{
		cfg:   opts.Config,
		mgr:   mgr,
		files: opts.Files,
		log:   opts.Logger.With("component", "registry"),
		state: opts.State,
		docs:  make(map[string]*entry),
	}
	r.cancelMgr = mgr.Subscribe(r.onConnectionEvent)
	return r
}

// IDFromPath derives the resource id from a file name.
func IDFromPath(path string) string {
	return filepath.Base(path)
}

func key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func (r *Registry) OnConnected(fn func(doc *document.FileDocument)) (cancel func()) {
	return r.connected.Subscribe(fn)
}

func (r *Registry) OnDisconnected(fn func(doc *document.FileDocument)) (cancel func()) {
	return r.disconnected.Subscribe(fn)
}

func (r *Registry) OnError(fn func(e DocError)) (cancel func()) {
	return r.failed.Subscribe(fn)
}

// Request opens resource id into the file at path. Requesting a path that is already open returns the existing
// document.
func (r *Registry) Request(id, path string) (*document.FileDocument, error) {
	k := key(path)
	r.mu.Lock()
	if e, ok := r.docs[k]; ok {
		r.mu.Unlock()
		if e.doc.ID() != id {
			return nil, fmt.Errorf("%s is already bound to resource %s", k, e.doc.ID())
		}
		return e.doc, nil
	}
	for p, e := range r.docs {
		if e.doc.ID() == id {
			r.mu.Unlock()
			return nil, fmt.Errorf("resource %s is already open at %s", id, p)
		}
	}

	doc := document.New(document.Options{
		ID:              id,
		Path:            k,
		ContentSelector: r.cfg.ContentSelectorFor(id),
		DebounceWindow:  r.cfg.DebounceWindow(),
		Files:           r.files,
		Logger:          r.log,
	}, r.mgr.Docs().Get(r.cfg.Collection, id))
	e := &entry{doc: doc}
	e.cancels = append(e.cancels,
		doc.OnDidConnect(func() { r.connected.Emit(doc) }),
		doc.OnDidDisconnect(func() { r.disconnected.Emit(doc) }),
		doc.OnError(func(rec *syncerr.Record) { r.failed.Emit(DocError{Doc: doc, Err: rec}) }),
	)
	r.docs[k] = e
	r.mu.Unlock()

	doc.SetConnected(r.mgr.Connected())
	if err := doc.Open(); err != nil {
		r.remove(k)
		_ = doc.Close(false)
		return nil, err
	}
	if r.state != nil {
		if err := r.state.Put(state.Entry{ID: id, Path: k, Opened: time.Now().UTC()}); err != nil {
			r.log.Warn("failed to record open document", "path", k, "err", err)
		}
	}
	r.log.Info("opened document", "id", id, "path", k, "selector", doc.ContentSelector())
	return doc, nil
}

// Lookup returns the document bound to path.
func (r *Registry) Lookup(path string) (*document.FileDocument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.docs[key(path)]
	if !ok {
		return nil, false
	}
	return e.doc, true
}

// Save pushes text as the new content of the document bound to path.
func (r *Registry) Save(path, text string) error {
	doc, ok := r.Lookup(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	return doc.Save(text)
}

// SaveFile reads path and saves its content.
func (r *Registry) SaveFile(path string) error {
	raw, err := r.files.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return r.Save(path, string(raw))
}

// Close stops syncing path and forgets it.
func (r *Registry) Close(path string, deleteLocal bool) error {
	k := key(path)
	e := r.remove(k)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	if r.state != nil {
		if err := r.state.Delete(k); err != nil {
			r.log.Warn("failed to forget document", "path", k, "err", err)
		}
	}
	return e.doc.Close(deleteLocal)
}

// Dispose closes every document. Open documents stay recorded for Resume unless their files are deleted.
func (r *Registry) Dispose(deleteLocal bool) error {
	r.mu.Lock()
	entries := r.docs
	r.docs = make(map[string]*entry)
	if r.cancelMgr != nil {
		r.cancelMgr()
		r.cancelMgr = nil
	}
	r.mu.Unlock()

	var errs []error
	for k, e := range entries {
		for _, c := range e.cancels {
			c()
		}
		if err := e.doc.Close(deleteLocal); err != nil {
			errs = append(errs, err)
		}
		if deleteLocal && r.state != nil {
			if err := r.state.Delete(k); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Resume reopens every document recorded in the state store and returns how many were opened.
func (r *Registry) Resume() (int, error) {
	if r.state == nil {
		return 0, nil
	}
	entries, err := r.state.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list open documents: %w", err)
	}
	n := 0
	var errs []error
	for _, e := range entries {
		if _, err := r.Request(e.ID, e.Path); err != nil {
			errs = append(errs, fmt.Errorf("failed to resume %s: %w", e.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Documents returns the open documents ordered by path.
func (r *Registry) Documents() []*document.FileDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.docs))
	for k := range r.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*document.FileDocument, len(keys))
	for i, k := range keys {
		out[i] = r.docs[k].doc
	}
	return out
}

func (r *Registry) remove(k string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.docs[k]
	if !ok {
		return nil
	}
	delete(r.docs, k)
	for _, c := range e.cancels {
		c()
	}
	return e
}

func (r *Registry) onConnectionEvent(ev conn.Event) {
	docs := r.Documents()
	switch ev.Kind {
	case conn.Connected:
		for _, d := range docs {
			d.SetConnected(true)
		}
	case conn.Disconnected:
		for _, d := range docs {
			d.SetConnected(false)
		}
	case conn.Failed:
		if len(docs) == 0 {
			r.log.Warn("connection error with no open documents", "err", ev.Err)
		}
		for _, d := range docs {
			r.failed.Emit(DocError{Doc: d, Err: ev.Err})
		}
	}
}
