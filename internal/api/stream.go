package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"wayfind/pkg/graph"
	"wayfind/pkg/model"
	"wayfind/pkg/session"
	"wayfind/pkg/version"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// StreamHandler upgrades to a websocket and multiplexes bus events.
type StreamHandler struct {
	bus      *session.Bus
	graphs   *graph.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewStreamHandler(bus *session.Bus, graphs *graph.Store, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		bus:    bus,
		graphs: graphs,
		logger: logger.With("component", "stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// subscribeFrame is the client's topic selection, sent any time after
// connect. It replaces the current subscription.
type subscribeFrame struct {
	UserID string   `json:"user_id"`
	Topics []string `json:"topics"`
}

func parseTopics(raw []string) []model.Topic {
	topics := make([]model.Topic, 0, len(raw))
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, model.Topic(t))
		}
	}
	return topics
}

func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Initial subscription from query parameters; a subscribe frame can
	// replace it later.
	userID := r.URL.Query().Get("user")
	var topics []model.Topic
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = parseTopics(strings.Split(raw, ","))
	}
	sub := h.bus.Subscribe(userID, topics)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	hello := model.HelloPayload{
		Kind:            model.EventHello,
		ProtocolVersion: version.Protocol,
		ServerVersion:   version.Version,
		GraphVersion:    h.graphs.Version(),
	}
	if err := conn.WriteJSON(hello); err != nil {
		h.bus.Unsubscribe(sub.ID)
		return
	}

	resub := make(chan *session.Subscription, 1)
	done := make(chan struct{})
	go h.readLoop(conn, resub, done)

	// The read loop may park a replacement subscription in resub at any
	// moment, so cleanup must wait for it to finish and then drain the
	// channel; otherwise a parked subscriber leaks and coalesces forever.
	defer func() {
		conn.Close()
		<-done
		select {
		case parked := <-resub:
			h.bus.Unsubscribe(parked.ID)
		default:
		}
		h.bus.Unsubscribe(sub.ID)
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case e := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case newSub := <-resub:
			h.bus.Unsubscribe(sub.ID)
			sub = newSub
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readLoop consumes subscribe frames and keeps the pong deadline fresh.
func (h *StreamHandler) readLoop(conn *websocket.Conn, resub chan<- *session.Subscription, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame subscribeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("stream closed", "error", err)
			}
			return
		}
		sub := h.bus.Subscribe(frame.UserID, parseTopics(frame.Topics))
		select {
		case resub <- sub:
		default:
			// Writer already holds a pending replacement; drop this one.
			h.bus.Unsubscribe(sub.ID)
		}
	}
}
