// Package document binds one local file to one remote document. It writes remote changes to the file, debounced
// when they arrive as incremental operations, and turns saved file contents into operations on the remote tree.
package document

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/strate-sync/pkg/event"
	"github.com/astromechza/strate-sync/pkg/ot"
	"github.com/astromechza/strate-sync/pkg/sharedb"
	"github.com/astromechza/strate-sync/pkg/syncerr"
	"github.com/astromechza/strate-sync/pkg/tree"
	"github.com/astromechza/strate-sync/pkg/wire"
)

var ErrClosed = errors.New("document closed")

// DefaultDebounceWindow is how long incremental remote changes are batched before the file is written.
const DefaultDebounceWindow = 2500 * time.Millisecond

// Remote is the remote document handle. *sharedb.Doc implements it.
type Remote interface {
	Subscribe(l sharedb.Listener) error
	Create(data any) error
	SubmitOp(ops []ot.Op) error
	Data() any
	Destroy() error
}

var _ Remote = (*sharedb.Doc)(nil)

type State int

const (
	Disconnected State = iota
	Subscribing
	Synced
	Saving
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Subscribing:
		return "subscribing"
	case Synced:
		return "synced"
	case Saving:
		return "saving"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Options struct {
	ID   string
	Path string
	// ContentSelector is the id of the element whose text is the file content. Empty means the whole page.
	ContentSelector string
	DebounceWindow  time.Duration
	Files           Files
	Logger          *slog.Logger
}

type FileDocument struct {
	id       string
	path     string
	selector string
	window   time.Duration
	remote   Remote
	files    Files
	log      *slog.Logger

	mu              sync.Mutex
	state           State
	connected       bool
	loaded          bool
	lastWrittenText string
	// pendingSave holds text saved before the first snapshot arrived.
	pendingSave     *string
	timer           *time.Timer
	timerSeq        int

	didConnect    event.Emitter[struct{}]
	didDisconnect event.Emitter[struct{}]
	created       event.Emitter[struct{}]
	updated       event.Emitter[string]
	updatedOp     event.Emitter[string]
	failed        event.Emitter[*syncerr.Record]
}

func New(opts Options, remote Remote) *FileDocument {
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultDebounceWindow
	}
	if opts.Files == nil {
		opts.Files = OSFiles{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FileDocument{
		id:       opts.ID,
		path:     opts.Path,
		selector: opts.ContentSelector,
		window:   opts.DebounceWindow,
		remote:   remote,
		files:    opts.Files,
		log:      opts.Logger.With("component", "document", "id", opts.ID),
	}
}

func (d *FileDocument) ID() string              { return d.id }
func (d *FileDocument) Path() string            { return d.path }
func (d *FileDocument) ContentSelector() string { return d.selector }

func (d *FileDocument) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *FileDocument) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// LastWrittenText is the text most recently written to or saved from the local file.
func (d *FileDocument) LastWrittenText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastWrittenText
}

func (d *FileDocument) OnDidConnect(fn func()) (cancel func()) {
	return d.didConnect.Subscribe(func(struct{}) { fn() })
}

func (d *FileDocument) OnDidDisconnect(fn func()) (cancel func()) {
	return d.didDisconnect.Subscribe(func(struct{}) { fn() })
}

// OnNew fires when the remote resource did not exist and was created.
func (d *FileDocument) OnNew(fn func()) (cancel func()) {
	return d.created.Subscribe(func(struct{}) { fn() })
}

// OnUpdate fires after a full snapshot or a whole-document replacement was written to the file.
func (d *FileDocument) OnUpdate(fn func(text string)) (cancel func()) {
	return d.updated.Subscribe(fn)
}

// OnUpdateOp fires for each remote operation that changed the rendered text.
func (d *FileDocument) OnUpdateOp(fn func(text string)) (cancel func()) {
	return d.updatedOp.Subscribe(fn)
}

func (d *FileDocument) OnError(fn func(rec *syncerr.Record)) (cancel func()) {
	return d.failed.Subscribe(fn)
}

// Open subscribes to the remote document. The file is written as soon as the first snapshot arrives.
func (d *FileDocument) Open() error {
	d.mu.Lock()
	if d.state == Closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.state = Subscribing
	d.mu.Unlock()
	if err := d.remote.Subscribe(listener{d}); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", d.id, err)
	}
	return nil
}

// SetConnected records the state of the shared connection.
func (d *FileDocument) SetConnected(connected bool) {
	d.mu.Lock()
	if d.connected == connected || d.state == Closed {
		d.mu.Unlock()
		return
	}
	d.connected = connected
	switch {
	case !connected:
		d.state = Disconnected
	case d.state == Disconnected:
		d.state = Subscribing
	}
	d.mu.Unlock()
	if connected {
		d.didConnect.Emit(struct{}{})
	} else {
		d.didDisconnect.Emit(struct{}{})
	}
}

// Save pushes text, the current content of the local file, to the remote document. Saving the text that was last
// written or saved is a no-op. Text saved before the first snapshot is submitted once that snapshot arrives.
func (d *FileDocument) Save(text string) error {
	d.mu.Lock()
	if d.state == Closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if !d.loaded {
		d.pendingSave = &text
		d.mu.Unlock()
		d.log.Debug("deferring save until the document is loaded")
		return nil
	}
	if text == d.lastWrittenText {
		d.mu.Unlock()
		return nil
	}
	previous := d.lastWrittenText
	d.lastWrittenText = text
	prev := d.state
	d.state = Saving
	recs, err := d.submitLocked(text)
	if err != nil {
		d.lastWrittenText = previous
	}
	if d.state == Saving {
		d.state = prev
	}
	d.mu.Unlock()
	for _, r := range recs {
		d.failed.Emit(r)
	}
	return err
}

// Close stops syncing and optionally deletes the local file. A missing file is not an error.
func (d *FileDocument) Close(deleteLocalFile bool) error {
	d.mu.Lock()
	if d.state == Closed {
		d.mu.Unlock()
		return nil
	}
	d.state = Closed
	d.stopTimerLocked()
	d.mu.Unlock()

	var errs []error
	if err := d.remote.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("failed to destroy remote handle: %w", err))
	}
	if deleteLocalFile {
		if err := d.files.Remove(d.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", d.path, err))
		}
	}
	d.log.Info("closed", "deleted", deleteLocalFile)
	return errors.Join(errs...)
}

// submitLocked turns text into operations against the current remote tree and submits them.
func (d *FileDocument) submitLocked(text string) ([]*syncerr.Record, error) {
	var recs []*syncerr.Record
	current, err := tree.FromJSONML(d.remote.Data())
	if err != nil {
		d.log.Warn("remote tree is not valid jsonml, replacing it", "err", err)
		current = nil
	}

	var next tree.Node
	if d.selector != "" {
		next = tree.WithTextContent(current, d.selector, text)
	} else if next, err = tree.Decode(text); err != nil {
		recs = append(recs, syncerr.Wrap(syncerr.InvalidDocument, err, "local file is not valid html"))
		return recs, fmt.Errorf("failed to decode %s: %w", d.path, err)
	}

	ops, err := ot.Diff(current, next)
	if err != nil {
		d.log.Warn("diff failed, replacing whole document", "err", err)
		ops = []ot.Op{ot.ReplaceRoot(current, next)}
	}
	if len(ops) == 0 {
		return recs, nil
	}
	err = d.remote.SubmitOp(ops)
	if errors.Is(err, ot.ErrIncompatible) {
		d.log.Warn("patch does not fit remote tree, resetting document", "err", err)
		recs = append(recs, syncerr.Wrap(syncerr.InvalidDocument, err, "document structure incompatible, resetting"))
		if err := d.remote.SubmitOp([]ot.Op{ot.FullReplace()}); err != nil {
			return recs, fmt.Errorf("failed to reset %s: %w", d.id, err)
		}
		return recs, nil
	} else if err != nil {
		return recs, fmt.Errorf("failed to submit changes to %s: %w", d.id, err)
	}
	d.log.Debug("submitted local changes", "ops", len(ops))
	return recs, nil
}

// renderLocked produces the file content for the current remote tree.
func (d *FileDocument) renderLocked() (string, error) {
	root, err := tree.FromJSONML(d.remote.Data())
	if err != nil {
		return "", err
	}
	if d.selector != "" {
		el := tree.FindByID(root, d.selector)
		if el == nil {
			return "", nil
		}
		return tree.TextContent(el), nil
	}
	return tree.Encode(root)
}

func (d *FileDocument) writeLocked(text string) error {
	if err := d.files.WriteFile(d.path, []byte(text)); err != nil {
		return fmt.Errorf("failed to write %s: %w", d.path, err)
	}
	d.lastWrittenText = text
	return nil
}

func (d *FileDocument) stopTimerLocked() {
	d.timerSeq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *FileDocument) scheduleWriteLocked() {
	d.stopTimerLocked()
	seq := d.timerSeq
	d.timer = time.AfterFunc(d.window, func() { d.flush(seq) })
}

func (d *FileDocument) flush(seq int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq != d.timerSeq || d.state == Closed {
		return
	}
	d.timer = nil
	text, err := d.renderLocked()
	if err != nil {
		d.log.Error("failed to render remote document", "err", err)
		return
	}
	if text == d.lastWrittenText {
		return
	}
	if err := d.writeLocked(text); err != nil {
		d.log.Error("failed to write file", "err", err)
		return
	}
	d.log.Debug("wrote batched remote changes", "bytes", len(text))
}

func (d *FileDocument) handleSnapshot(ev sharedb.SnapshotEvent) {
	var recs []*syncerr.Record
	if !ev.Exists {
		recs = append(recs, syncerr.New(syncerr.NotFound, "resource %s does not exist, creating it", d.id))
		if err := d.remote.Create(nil); err != nil {
			recs = append(recs, syncerr.Wrap(syncerr.ServerError, err, "failed to create resource"))
		} else if err := d.remote.SubmitOp([]ot.Op{ot.FullReplace()}); err != nil {
			recs = append(recs, syncerr.Wrap(syncerr.ServerError, err, "failed to initialize resource"))
		}
	}

	d.mu.Lock()
	if d.state == Closed {
		d.mu.Unlock()
		return
	}
	d.stopTimerLocked()
	written := ""
	wrote := false
	if pending := d.pendingSave; pending != nil && !d.loaded {
		d.pendingSave = nil
		more, err := d.submitLocked(*pending)
		recs = append(recs, more...)
		if err != nil {
			d.log.Warn("failed to submit deferred save", "err", err)
		} else {
			d.lastWrittenText = *pending
		}
	} else if ev.DiscardedLocal && ev.Exists && d.loaded {
		more, err := d.submitLocked(d.lastWrittenText)
		recs = append(recs, more...)
		if err != nil {
			d.log.Warn("failed to resubmit local changes", "err", err)
		}
	} else if text, err := d.renderLocked(); err != nil {
		recs = append(recs, syncerr.Wrap(syncerr.InvalidDocument, err, "remote document cannot be rendered"))
	} else if !d.loaded || text != d.lastWrittenText {
		if err := d.writeLocked(text); err != nil {
			d.log.Error("failed to write file", "err", err)
		} else {
			written, wrote = text, true
		}
	}
	d.loaded = true
	d.state = Synced
	d.mu.Unlock()

	for _, r := range recs {
		d.failed.Emit(r)
	}
	if !ev.Exists {
		d.created.Emit(struct{}{})
	}
	if wrote {
		d.updated.Emit(written)
	}
}

// replacesDocument reports whether ops swap the whole tree. Remote creates and deletes arrive without ops.
func replacesDocument(ops []ot.Op) bool {
	if len(ops) == 0 {
		return true
	}
	for _, op := range ops {
		if len(op.Path) == 0 {
			return true
		}
	}
	return false
}

func (d *FileDocument) handleOp(ops []ot.Op) {
	d.mu.Lock()
	if d.state == Closed {
		d.mu.Unlock()
		return
	}
	text, err := d.renderLocked()
	if err != nil {
		d.mu.Unlock()
		d.failed.Emit(syncerr.Wrap(syncerr.InvalidDocument, err, "remote document cannot be rendered"))
		return
	}
	if text == d.lastWrittenText {
		d.stopTimerLocked()
		d.mu.Unlock()
		return
	}
	if !replacesDocument(ops) {
		d.scheduleWriteLocked()
		d.mu.Unlock()
		d.updatedOp.Emit(text)
		return
	}

	d.stopTimerLocked()
	err = d.writeLocked(text)
	d.mu.Unlock()
	if err != nil {
		d.log.Error("failed to write file", "err", err)
		return
	}
	d.log.Debug("wrote replaced document", "bytes", len(text))
	d.updated.Emit(text)
}

func (d *FileDocument) handleError(err error) {
	var we *wire.Error
	if errors.As(err, &we) && we.HasCode(wire.CodeVersionMismatch) {
		d.log.Debug("operation raced a remote change, re-fetching", "err", err)
		return
	}
	d.log.Warn("remote document error", "err", err)
	d.failed.Emit(syncerr.Wrap(syncerr.ServerError, err, "remote document error"))
}

// listener keeps the sharedb callbacks off the public method set.
type listener struct {
	d *FileDocument
}

func (l listener) Snapshot(ev sharedb.SnapshotEvent) { l.d.handleSnapshot(ev) }
func (l listener) Op(ops []ot.Op)                    { l.d.handleOp(ops) }
func (l listener) Error(err error)                   { l.d.handleError(err) }
