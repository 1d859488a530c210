// Package wsbridge exposes the command bus over a websocket: clients send
// commands as JSON frames and receive every engine broadcast.
package wsbridge

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/deckcache/deckcache/log"
	"github.com/deckcache/deckcache/pkg/cache/bus"
	"github.com/deckcache/deckcache/pkg/cache/engine"
)

// eventBuffer bounds the per-client outbound queue. A client that cannot
// keep up loses events rather than stalling the engine.
const eventBuffer = 64

// Server upgrades HTTP requests to websocket sessions bound to one bus.
type Server struct {
	bus            *bus.Bus
	log            *log.LogHandle
	allowAnyOrigin bool
}

// Option mutates Server construction.
type Option func(*Server)

// AllowAnyOrigin disables the websocket origin check. Only safe when the
// listener binds loopback, where the Origin header carries no trust.
func AllowAnyOrigin() Option {
	return func(s *Server) { s.allowAnyOrigin = true }
}

// New constructs a websocket bridge over b.
func New(b *bus.Bus, opts ...Option) *Server {
	s := &Server{bus: b, log: log.GetLogger("wsbridge")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: s.allowAnyOrigin})
	if err != nil {
		s.log.Warnf("websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	clientID := uuid.NewString()
	s.log.Infof("client %s connected", clientID)
	defer s.log.Infof("client %s disconnected", clientID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// All frames leave through this channel so there is a single writer.
	events := make(chan engine.Event, eventBuffer)
	unsubscribe := s.bus.Subscribe(func(ev engine.Event) {
		select {
		case events <- ev:
		default:
			s.log.Warnf("client %s event buffer full, dropping %s", clientID, ev.Type)
		}
	})
	defer unsubscribe()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var cmd bus.Command
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return
		}
		// Commands can run long caching passes; handle off the read loop so
		// the client can keep sending.
		go s.handle(ctx, clientID, cmd, events)
	}
}

func (s *Server) handle(ctx context.Context, clientID string, cmd bus.Command, events chan<- engine.Event) {
	snapshot, err := s.bus.Dispatch(ctx, cmd)
	if err != nil {
		s.log.Warnf("client %s command %s failed: %v", clientID, cmd.Type, err)
		return
	}
	if snapshot != nil {
		select {
		case events <- engine.Event{Type: engine.EventStatus, Payload: snapshot}:
		case <-ctx.Done():
		}
	}
}
