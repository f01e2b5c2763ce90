package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/astromechza/strate-sync/pkg/transport"
	"github.com/astromechza/strate-sync/pkg/wire"
)

const sendBuffer = 256

// client is one connected socket.
type client struct {
	id   string
	sock transport.Socket
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(sock transport.Socket) *client {
	return &client{id: uuid.NewString(), sock: sock, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

// enqueue queues m without blocking. A client that cannot keep up is closed.
func (c *client) enqueue(m *wire.Message) {
	raw, err := wire.Encode(m)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- raw:
	default:
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

func (c *client) writePump() {
	defer c.close()
	for {
		select {
		case raw := <-c.send:
			if err := c.sock.WriteMessage(raw); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Serve runs one client socket until it closes or ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, sock transport.Socket) {
	c := newClient(sock)
	h.register(c)
	defer h.unregister(c)
	defer c.close()

	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			c.close()
		case <-c.done:
		}
	}()

	for {
		raw, err := sock.ReadMessage()
		if err != nil {
			if !transport.IsNormalClose(err) {
				h.log.Debug("client read failed", "client", c.id, "err", err)
			}
			return
		}
		h.handle(ctx, c, raw)
	}
}
