// Package ws streams bus events to WebSocket clients.
package ws

import (
	"context"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

// Subscriber is the part of the bus the handler needs.
type Subscriber interface {
	SubscribeAll(name string, handler plugin.EventHandler) (unsubscribe func())
}

// Handler serves GET /api/v1/ws/events. The optional topics query
// parameter is a comma separated filter.
type Handler struct {
	hub         *Hub
	logger      *zap.Logger
	origins     []string
	unsubscribe func()
}

var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler subscribes to every topic on bus. origins lists the host
// patterns allowed to connect from a browser; empty means same origin only.
func NewHandler(bus Subscriber, origins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		hub:     NewHub(logger),
		logger:  logger,
		origins: origins,
	}
	if bus != nil {
		h.unsubscribe = bus.SubscribeAll("ws", h.forward)
	}
	return h
}

// RegisterRoutes mounts the stream endpoint.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/events", h.handleEvents)
}

// Hub exposes the client set.
func (h *Handler) Hub() *Hub { return h.hub }

// Close detaches the handler from the bus.
func (h *Handler) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
}

func (h *Handler) forward(_ context.Context, e plugin.Event) error {
	h.hub.Broadcast(MessageFrom(e))
	return nil
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	client := newClient(conn, r.RemoteAddr, parseTopics(r.URL.Query().Get("topics")), h.logger)
	h.hub.Register(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func parseTopics(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
