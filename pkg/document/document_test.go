package document

import (
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/strate-sync/pkg/ot"
	"github.com/astromechza/strate-sync/pkg/sharedb"
	"github.com/astromechza/strate-sync/pkg/syncerr"
	"github.com/astromechza/strate-sync/pkg/tree"
	"github.com/astromechza/strate-sync/pkg/wire"
)

type fakeRemote struct {
	mu            sync.Mutex
	data          any
	exists        bool
	listener      sharedb.Listener
	submitted     [][]ot.Op
	created       int
	destroyed     bool
	rejectPartial bool
	failSubmit    error
}

func (r *fakeRemote) Subscribe(l sharedb.Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
	return nil
}

func (r *fakeRemote) Create(data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exists = true
	r.data = ot.DeepCopy(data)
	r.created++
	return nil
}

func (r *fakeRemote) SubmitOp(ops []ot.Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSubmit != nil {
		return r.failSubmit
	}
	if r.rejectPartial {
		for _, op := range ops {
			if len(op.Path) > 0 {
				return fmt.Errorf("%w: rejected by test", ot.ErrIncompatible)
			}
		}
	}
	next, err := ot.Apply(r.data, ops)
	if err != nil {
		return err
	}
	r.data = next
	r.submitted = append(r.submitted, ops)
	return nil
}

func (r *fakeRemote) Data() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ot.DeepCopy(r.data)
}

func (r *fakeRemote) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
	return nil
}

func (r *fakeRemote) tree(t *testing.T) tree.Node {
	t.Helper()
	n, err := tree.FromJSONML(r.Data())
	require.NoError(t, err)
	return n
}

func (r *fakeRemote) submitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submitted)
}

// remoteOp simulates an operation from another client arriving over the connection.
func (r *fakeRemote) remoteOp(t *testing.T, ops ...ot.Op) {
	t.Helper()
	r.mu.Lock()
	next, err := ot.Apply(r.data, ops)
	require.NoError(t, err)
	r.data = next
	l := r.listener
	r.mu.Unlock()
	l.Op(ops)
}

func (r *fakeRemote) snapshot(data any, discarded bool) {
	r.mu.Lock()
	if data != nil {
		r.data = data
		r.exists = true
	}
	ev := sharedb.SnapshotEvent{Exists: r.exists, DiscardedLocal: discarded}
	l := r.listener
	r.mu.Unlock()
	l.Snapshot(ev)
}

type memFiles struct {
	mu     sync.Mutex
	files  map[string]string
	writes int
}

func newMemFiles() *memFiles {
	return &memFiles{files: map[string]string{}}
}

func (m *memFiles) ReadFile(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return []byte(s), nil
}

func (m *memFiles) WriteFile(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = string(data)
	m.writes++
	return nil
}

func (m *memFiles) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; !ok {
		return fs.ErrNotExist
	}
	delete(m.files, path)
	return nil
}

func (m *memFiles) content(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.files[path]
	return s, ok
}

func (m *memFiles) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

const testWindow = 40 * time.Millisecond

type recorder struct {
	mu      sync.Mutex
	records []*syncerr.Record
	updates []string
	opTexts []string
	news    int
}

func (r *recorder) codes() []syncerr.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]syncerr.Code, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Code
	}
	return out
}

func newDoc(t *testing.T, selector string, initial any) (*FileDocument, *fakeRemote, *memFiles, *recorder) {
	t.Helper()
	remote := &fakeRemote{}
	files := newMemFiles()
	d := New(Options{ID: "page", Path: "/ws/page", ContentSelector: selector, DebounceWindow: testWindow, Files: files}, remote)
	rec := &recorder{}
	d.OnError(func(r *syncerr.Record) { rec.mu.Lock(); rec.records = append(rec.records, r); rec.mu.Unlock() })
	d.OnUpdate(func(s string) { rec.mu.Lock(); rec.updates = append(rec.updates, s); rec.mu.Unlock() })
	d.OnUpdateOp(func(s string) { rec.mu.Lock(); rec.opTexts = append(rec.opTexts, s); rec.mu.Unlock() })
	d.OnNew(func() { rec.mu.Lock(); rec.news++; rec.mu.Unlock() })
	require.NoError(t, d.Open())
	assert.Equal(t, Subscribing, d.State())
	remote.snapshot(initial, false)
	return d, remote, files, rec
}

func TestOpenCreatesMissingResource(t *testing.T) {
	d, remote, files, rec := newDoc(t, "", nil)

	assert.Equal(t, []syncerr.Code{syncerr.NotFound}, rec.codes())
	assert.Equal(t, 1, rec.news)
	assert.Equal(t, 1, remote.created)
	assert.True(t, tree.Equal(tree.DefaultDocument(), remote.tree(t)))

	content, ok := files.content("/ws/page")
	require.True(t, ok)
	assert.Equal(t, "<html><body></body></html>", content)
	assert.Equal(t, []string{content}, rec.updates)
	assert.Equal(t, Synced, d.State())
}

func TestOpenWritesExistingResource(t *testing.T) {
	initial := tree.ToJSONML(tree.NewElement("html", tree.NewElement("body", tree.NewElement("p", tree.Text("hi")))))
	_, remote, files, rec := newDoc(t, "", initial)
	assert.Empty(t, rec.codes())
	assert.Equal(t, 0, remote.created)
	content, _ := files.content("/ws/page")
	assert.Equal(t, "<html><body><p>hi</p></body></html>", content)
}

func TestEchoSuppression(t *testing.T) {
	d, remote, files, rec := newDoc(t, "", tree.ToJSONML(tree.DefaultDocument()))
	writes := files.writeCount()

	text := "<html><body><p>local</p></body></html>"
	require.NoError(t, d.Save(text))
	require.Equal(t, 1, remote.submitCount())
	assert.Equal(t, text, d.LastWrittenText())

	// the server delivers our own change back as an operation
	remote.remoteOp(t)
	time.Sleep(3 * testWindow)
	assert.Equal(t, writes, files.writeCount())
	assert.Empty(t, rec.opTexts)
}

func TestSaveIsIdempotent(t *testing.T) {
	d, remote, _, _ := newDoc(t, "", tree.ToJSONML(tree.DefaultDocument()))
	text := "<html><body><p>x</p></body></html>"
	require.NoError(t, d.Save(text))
	require.NoError(t, d.Save(text))
	assert.Equal(t, 1, remote.submitCount())
}

func TestRemoteOpsAreDebounced(t *testing.T) {
	_, remote, files, rec := newDoc(t, "", tree.ToJSONML(tree.DefaultDocument()))
	writes := files.writeCount()

	for i := 0; i < 5; i++ {
		remote.remoteOp(t, ot.Insert(ot.Path{2, 2}, fmt.Sprintf("%d", i)))
	}
	assert.Equal(t, writes, files.writeCount(), "nothing is written inside the window")
	assert.Len(t, rec.opTexts, 5)

	assert.Eventually(t, func() bool { return files.writeCount() == writes+1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * testWindow)
	assert.Equal(t, writes+1, files.writeCount())
	content, _ := files.content("/ws/page")
	assert.Equal(t, "<html><body>43210</body></html>", content)
}

func TestSnapshotBypassesDebounce(t *testing.T) {
	_, remote, files, rec := newDoc(t, "", tree.ToJSONML(tree.DefaultDocument()))
	writes := files.writeCount()
	remote.remoteOp(t, ot.Insert(ot.Path{2, 2}, "pending"))

	replaced := tree.ToJSONML(tree.NewElement("html", tree.NewElement("body", tree.Text("fresh"))))
	remote.snapshot(replaced, false)
	assert.Equal(t, writes+1, files.writeCount())
	content, _ := files.content("/ws/page")
	assert.Equal(t, "<html><body>fresh</body></html>", content)
	assert.Equal(t, "<html><body>fresh</body></html>", rec.updates[len(rec.updates)-1])

	time.Sleep(3 * testWindow)
	assert.Equal(t, writes+1, files.writeCount(), "the pending debounced write was cancelled")
}

func TestRemoteReplaceIsWrittenImmediately(t *testing.T) {
	_, remote, files, rec := newDoc(t, "", tree.ToJSONML(tree.NewElement("html", tree.NewElement("body", tree.Text("old")))))
	writes := files.writeCount()
	remote.remoteOp(t, ot.Insert(ot.Path{2, 3}, "pending"))

	remote.remoteOp(t, ot.FullReplace())
	assert.Equal(t, writes+1, files.writeCount())
	content, _ := files.content("/ws/page")
	assert.Equal(t, "<html><body></body></html>", content)
	assert.Equal(t, content, rec.updates[len(rec.updates)-1])
	assert.Len(t, rec.opTexts, 1)

	time.Sleep(3 * testWindow)
	assert.Equal(t, writes+1, files.writeCount(), "the pending debounced write was cancelled")
}

func TestRemoteCreateIsWrittenImmediately(t *testing.T) {
	_, remote, files, rec := newDoc(t, "", nil)
	writes := files.writeCount()

	remote.mu.Lock()
	remote.data = tree.ToJSONML(tree.NewElement("html", tree.NewElement("body", tree.Text("theirs"))))
	l := remote.listener
	remote.mu.Unlock()
	l.Op(nil)

	assert.Equal(t, writes+1, files.writeCount())
	content, _ := files.content("/ws/page")
	assert.Equal(t, "<html><body>theirs</body></html>", content)
	assert.Equal(t, content, rec.updates[len(rec.updates)-1])
}

func TestFailedSaveCanBeRetried(t *testing.T) {
	d, remote, _, _ := newDoc(t, "", tree.ToJSONML(tree.DefaultDocument()))
	remote.mu.Lock()
	remote.failSubmit = sharedb.ErrNotConnected
	remote.mu.Unlock()

	text := "<html><body><p>retry</p></body></html>"
	require.ErrorIs(t, d.Save(text), sharedb.ErrNotConnected)
	assert.Equal(t, "<html><body></body></html>", d.LastWrittenText())

	remote.mu.Lock()
	remote.failSubmit = nil
	remote.mu.Unlock()
	require.NoError(t, d.Save(text))
	assert.Equal(t, 1, remote.submitCount())
	assert.Equal(t, text, d.LastWrittenText())
}

func TestSaveBeforeFirstSnapshotIsDeferred(t *testing.T) {
	remote := &fakeRemote{}
	files := newMemFiles()
	d := New(Options{ID: "page", Path: "/ws/page", DebounceWindow: testWindow, Files: files}, remote)
	require.NoError(t, d.Open())

	text := "<html><body><p>early</p></body></html>"
	require.NoError(t, d.Save(text))
	assert.Equal(t, 0, remote.submitCount())

	remote.snapshot(tree.ToJSONML(tree.DefaultDocument()), false)
	html, err := tree.Encode(remote.tree(t))
	require.NoError(t, err)
	assert.Equal(t, text, html)
	assert.Equal(t, 0, files.writeCount(), "the local file keeps the saved text")
	assert.Equal(t, text, d.LastWrittenText())
	assert.Equal(t, Synced, d.State())
}

func TestVersionConflictIsNotReported(t *testing.T) {
	_, remote, _, rec := newDoc(t, "", tree.ToJSONML(tree.DefaultDocument()))
	remote.mu.Lock()
	l := remote.listener
	remote.mu.Unlock()

	l.Error(fmt.Errorf("operation on page rejected: %w", &wire.Error{Code: float64(wire.CodeVersionMismatch), Message: "stale"}))
	assert.Empty(t, rec.codes())

	l.Error(fmt.Errorf("operation on page rejected: %w", &wire.Error{Code: float64(4004), Message: "apply failed"}))
	assert.Equal(t, []syncerr.Code{syncerr.ServerError}, rec.codes())
}

func TestInvalidDocumentRecovery(t *testing.T) {
	d, remote, _, rec := newDoc(t, "", tree.ToJSONML(tree.NewElement("html", tree.NewElement("body", tree.Text("old")))))
	remote.mu.Lock()
	remote.rejectPartial = true
	remote.mu.Unlock()

	require.NoError(t, d.Save("<html><body><p>new</p></body></html>"))
	assert.Equal(t, []syncerr.Code{syncerr.InvalidDocument}, rec.codes())
	assert.True(t, tree.Equal(tree.DefaultDocument(), remote.tree(t)))
	assert.Equal(t, Synced, d.State())
}

func TestSaveRejectsMalformedHTML(t *testing.T) {
	d, remote, _, rec := newDoc(t, "", tree.ToJSONML(tree.DefaultDocument()))
	err := d.Save("<p>a</p><p>b</p>")
	require.Error(t, err)
	var pe *tree.ParseError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, []syncerr.Code{syncerr.InvalidDocument}, rec.codes())
	assert.Equal(t, 0, remote.submitCount())
}

func TestContentSelectorRoundTrip(t *testing.T) {
	d, remote, files, rec := newDoc(t, "payload", tree.ToJSONML(tree.DefaultDocument()))
	content, ok := files.content("/ws/page")
	require.True(t, ok)
	assert.Equal(t, "", content)
	writes := files.writeCount()

	require.NoError(t, d.Save("console.log(1)"))
	html, err := tree.Encode(remote.tree(t))
	require.NoError(t, err)
	assert.Equal(t, `<html><body><pre id="payload">console.log(1)</pre></body></html>`, html)

	remote.remoteOp(t)
	time.Sleep(3 * testWindow)
	assert.Equal(t, writes, files.writeCount())

	remote.remoteOp(t, ot.Replace(ot.Path{2, 2, 2}, "console.log(1)", "console.log(2)"))
	assert.Eventually(t, func() bool {
		c, _ := files.content("/ws/page")
		return c == "console.log(2)"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"console.log(2)"}, rec.opTexts)
}

func TestDiscardedLocalChangesAreResubmitted(t *testing.T) {
	d, remote, files, _ := newDoc(t, "", tree.ToJSONML(tree.DefaultDocument()))
	text := "<html><body><p>offline</p></body></html>"
	require.NoError(t, d.Save(text))
	writes := files.writeCount()

	remote.snapshot(tree.ToJSONML(tree.DefaultDocument()), true)
	html, err := tree.Encode(remote.tree(t))
	require.NoError(t, err)
	assert.Equal(t, text, html)
	assert.Equal(t, writes, files.writeCount())
}

func TestClose(t *testing.T) {
	d, remote, files, _ := newDoc(t, "", tree.ToJSONML(tree.DefaultDocument()))
	require.NoError(t, d.Close(true))
	_, ok := files.content("/ws/page")
	assert.False(t, ok)
	assert.True(t, remote.destroyed)
	assert.Equal(t, Closed, d.State())

	require.NoError(t, d.Close(true))
	assert.ErrorIs(t, d.Save("x"), ErrClosed)
	assert.ErrorIs(t, d.Open(), ErrClosed)
}

func TestCloseMissingFile(t *testing.T) {
	d := New(Options{ID: "x", Path: "/nowhere", Files: newMemFiles()}, &fakeRemote{})
	assert.NoError(t, d.Close(true))
}

func TestCloseStopsPendingWrite(t *testing.T) {
	d, remote, files, _ := newDoc(t, "", tree.ToJSONML(tree.DefaultDocument()))
	writes := files.writeCount()
	remote.remoteOp(t, ot.Insert(ot.Path{2, 2}, "late"))
	require.NoError(t, d.Close(false))
	time.Sleep(3 * testWindow)
	assert.Equal(t, writes, files.writeCount())
}

func TestConnectionEvents(t *testing.T) {
	d := New(Options{ID: "x", Path: "/x", Files: newMemFiles()}, &fakeRemote{})
	var got []string
	d.OnDidConnect(func() { got = append(got, "connect") })
	d.OnDidDisconnect(func() { got = append(got, "disconnect") })
	d.SetConnected(true)
	d.SetConnected(true)
	d.SetConnected(false)
	assert.Equal(t, []string{"connect", "disconnect"}, got)
	assert.Equal(t, Disconnected, d.State())
}
