package conn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/strate-sync/pkg/ot"
	"github.com/astromechza/strate-sync/pkg/sharedb"
	"github.com/astromechza/strate-sync/pkg/syncerr"
	"github.com/astromechza/strate-sync/pkg/transport"
	"github.com/astromechza/strate-sync/pkg/wire"
)

type fakeSocket struct {
	incoming chan []byte
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{incoming: make(chan []byte, 16), done: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case raw := <-s.incoming:
		return raw, nil
	case <-s.done:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return errors.New("socket closed")
	default:
	}
	s.written = append(s.written, string(data))
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSocket) writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

func (s *fakeSocket) countContaining(sub string) int {
	n := 0
	for _, w := range s.writes() {
		if strings.Contains(w, sub) {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   []time.Time
	sockets []*fakeSocket
	err     error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, time.Now())
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeSocket()
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) failures() []*syncerr.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*syncerr.Record
	for _, e := range l.events {
		if e.Kind == Failed {
			out = append(out, e.Err)
		}
	}
	return out
}

type nopListener struct {
	mu        sync.Mutex
	snapshots int
}

func (n *nopListener) Snapshot(sharedb.SnapshotEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots++
}
func (n *nopListener) Op([]ot.Op)  {}
func (n *nopListener) Error(error) {}

func (n *nopListener) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshots
}

func newTestManager(opts Options) (*Manager, *fakeDialer, *eventLog) {
	d := &fakeDialer{}
	m := New(opts, d, nil)
	log := &eventLog{}
	m.Subscribe(log.add)
	return m, d, log
}

func TestConnectHandshakesAndResubscribes(t *testing.T) {
	m, d, log := newTestManager(Options{URL: "ws://test/ws/", KeepAlive: time.Hour})
	defer m.Close()
	doc := m.Docs().Get("webstrates", "page")
	l := &nopListener{}
	require.NoError(t, doc.Subscribe(l))

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.Connected())
	assert.Equal(t, []EventKind{Connected}, log.kinds())

	sock := d.socket(0)
	assert.Equal(t, 1, sock.countContaining(`"a":"hs"`))
	assert.Equal(t, 1, sock.countContaining(`"a":"s","c":"webstrates","d":"page"`))

	sock.incoming <- []byte(`{"type":"alive"}`)
	sock.incoming <- []byte(`{"wa":"hello"}`)
	sock.incoming <- []byte(`{"a":"s","c":"webstrates","d":"page","data":{"v":0}}`)
	assert.Eventually(t, func() bool { return l.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHeartbeat(t *testing.T) {
	m, d, _ := newTestManager(Options{URL: "ws://test/ws/", KeepAlive: 10 * time.Millisecond})
	defer m.Close()
	require.NoError(t, m.Connect(context.Background()))
	assert.Eventually(t, func() bool {
		return d.socket(0).countContaining(`{"type":"alive"}`) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectOnceAfterDelay(t *testing.T) {
	delay := 150 * time.Millisecond
	m, d, log := newTestManager(Options{URL: "ws://test/ws/", Reconnect: true, ReconnectDelay: delay, KeepAlive: time.Hour})
	defer m.Close()
	l := &nopListener{}
	require.NoError(t, m.Docs().Get("webstrates", "page").Subscribe(l))
	require.NoError(t, m.Connect(context.Background()))

	dropped := time.Now()
	_ = d.socket(0).Close()

	assert.Eventually(t, func() bool { return d.dialCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	d.mu.Lock()
	second := d.dials[1]
	d.mu.Unlock()
	assert.GreaterOrEqual(t, second.Sub(dropped), delay)

	time.Sleep(2 * delay)
	assert.Equal(t, 2, d.dialCount())
	assert.True(t, m.Connected())
	assert.Equal(t, []EventKind{Connected, Disconnected, Failed, Connected}, log.kinds())
	require.Len(t, log.failures(), 1)
	assert.Equal(t, syncerr.ServerError, log.failures()[0].Code)

	sock := d.socket(1)
	assert.Equal(t, 1, sock.countContaining(`"a":"hs"`))
	assert.Equal(t, 1, sock.countContaining(`"a":"s","c":"webstrates","d":"page"`))
	sock.incoming <- []byte(`{"a":"s","c":"webstrates","d":"page","data":{"v":3,"type":"json0","data":["html",{}]}}`)
	assert.Eventually(t, func() bool { return l.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{"html", map[string]any{}}, m.Docs().Get("webstrates", "page").Data())
}

func TestExponentialBackOffStartsAtDelay(t *testing.T) {
	delay := time.Second
	for i := 0; i < 200; i++ {
		b := newBackOff(Options{Backoff: "exponential", ReconnectDelay: delay})
		first := b.NextBackOff()
		assert.GreaterOrEqual(t, first, delay)
		assert.GreaterOrEqual(t, b.NextBackOff(), first)
	}
	b := newBackOff(Options{ReconnectDelay: delay})
	assert.Equal(t, delay, b.NextBackOff())
	assert.Equal(t, delay, b.NextBackOff())
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	m, d, _ := newTestManager(Options{URL: "ws://test/ws/", Reconnect: false, ReconnectDelay: 10 * time.Millisecond, KeepAlive: time.Hour})
	defer m.Close()
	require.NoError(t, m.Connect(context.Background()))
	_ = d.socket(0).Close()
	assert.Eventually(t, func() bool { return !m.Connected() }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestAccessForbiddenIsNotRetried(t *testing.T) {
	m, d, log := newTestManager(Options{URL: "ws://test/ws/", Reconnect: true, ReconnectDelay: 10 * time.Millisecond, KeepAlive: time.Hour})
	defer m.Close()
	require.NoError(t, m.Connect(context.Background()))
	d.socket(0).incoming <- []byte(`{"error":{"code":403,"message":"no access"}}`)

	assert.Eventually(t, func() bool { return len(log.failures()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, syncerr.AccessForbidden, log.failures()[0].Code)
	assert.Equal(t, "no access", log.failures()[0].Detail)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.False(t, m.Connected())
}

func TestDialFailureSchedulesRetry(t *testing.T) {
	m, d, log := newTestManager(Options{URL: "ws://test/ws/", Reconnect: true, ReconnectDelay: 20 * time.Millisecond, KeepAlive: time.Hour})
	defer m.Close()
	d.mu.Lock()
	d.err = errors.New("refused")
	d.mu.Unlock()
	require.Error(t, m.Connect(context.Background()))

	assert.Eventually(t, func() bool { return d.dialCount() >= 2 }, time.Second, 5*time.Millisecond)
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	assert.Eventually(t, m.Connected, time.Second, 5*time.Millisecond)
	assert.Contains(t, log.kinds(), Connected)
}

func TestForbiddenDialIsNotRetried(t *testing.T) {
	m, d, log := newTestManager(Options{URL: "ws://test/ws/", Reconnect: true, ReconnectDelay: 10 * time.Millisecond, KeepAlive: time.Hour})
	defer m.Close()
	d.err = transport.ErrForbidden
	require.Error(t, m.Connect(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	require.Len(t, log.failures(), 1)
	assert.Equal(t, syncerr.AccessForbidden, log.failures()[0].Code)
}

func TestCloseStopsEverything(t *testing.T) {
	m, d, _ := newTestManager(Options{URL: "ws://test/ws/", Reconnect: true, ReconnectDelay: 10 * time.Millisecond, KeepAlive: time.Hour})
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrClosed)
	assert.False(t, m.Connected())
}

func TestSecondConnectReplacesSocket(t *testing.T) {
	m, d, _ := newTestManager(Options{URL: "ws://test/ws/", Reconnect: true, ReconnectDelay: 10 * time.Millisecond, KeepAlive: time.Hour})
	defer m.Close()
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, d.dialCount(), "closing the replaced socket must not trigger a reconnect")

	select {
	case <-d.socket(0).done:
	default:
		t.Fatal("first socket should be closed")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	m, _, _ := newTestManager(Options{URL: "ws://test/ws/"})
	err := m.senderFor(0).Send(&wire.Message{Action: wire.ActionHandshake})
	assert.ErrorIs(t, err, sharedb.ErrNotConnected)
}
