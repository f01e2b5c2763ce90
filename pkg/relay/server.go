package relay

import (
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/strate-sync/pkg/transport"
	"github.com/astromechza/strate-sync/pkg/tree"
	"github.com/astromechza/strate-sync/pkg/viz"
	"github.com/astromechza/strate-sync/pkg/wire"
)

type Options struct {
	// Authorize decides whether a websocket may join. Refused sockets get a connection level 403 error frame.
	Authorize func(r *http.Request) bool
	Logger    *slog.Logger
}

type server struct {
	hub      *Hub
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewRouter returns the relay http routes.
func NewRouter(hub *Hub, opts Options) *mux.Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &server{
		hub:  hub,
		opts: opts,
		log:  opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.log.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/ws/").HandlerFunc(s.serveSocket)
	r.Methods(http.MethodGet).Path("/metrics").Handler(hub.metrics.handler())
	r.Methods(http.MethodGet).Path("/documents/{collection}/{id}").HandlerFunc(s.getDocument)
	r.Methods(http.MethodGet).Path("/documents/{collection}/{id}/history.svg").HandlerFunc(s.getHistory)
	return r
}

func (s *server) serveSocket(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.Error("failed to upgrade", "err", err)
		return
	}
	sock := transport.Wrap(conn)
	if s.opts.Authorize != nil && !s.opts.Authorize(request) {
		if raw, err := wire.Encode(&wire.Message{Error: &wire.Error{Code: 403, Message: "Forbidden"}}); err == nil {
			_ = sock.WriteMessage(raw)
		}
		_ = sock.Close()
		return
	}
	s.hub.Serve(request.Context(), sock)
}

func (s *server) getDocument(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	snap, ok := s.hub.Snapshot(vars["collection"], vars["id"])
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	root, err := tree.FromJSONML(snap.Data)
	if err != nil {
		s.log.Error("stored document is not a tree", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	text, err := tree.Encode(root)
	if err != nil {
		s.log.Error("failed to encode document", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := writer.Write([]byte(text)); err != nil {
		s.log.Error("failed to write out", "err", err)
	}
}

func (s *server) getHistory(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	history, err := s.hub.History(vars["collection"], vars["id"])
	if err != nil {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	if err := viz.RenderHistory(history, writer); err != nil {
		s.log.Error("failed to render history", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
	}
}
