package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aposazhennikov/music-player-service/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// DefaultClientBuffer is how many events may queue for one subscriber
	// before it is considered too slow and dropped.
	DefaultClientBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type subscriber struct {
	send chan []byte
}

// Hub fans events out to websocket subscribers. Publish never blocks: a
// subscriber whose buffer is full is disconnected.
type Hub struct {
	logger     *slog.Logger
	bufferSize int

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

// NewHub creates a hub with bufferSize queued events per subscriber.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultClientBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger,
		bufferSize:  bufferSize,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish sends msg to every subscriber.
func (h *Hub) Publish(msg protocol.EventMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode event", slog.String("event", msg.Event), slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- data:
			eventsSent.Inc()
		default:
			h.removeLocked(sub)
			subscribersDropped.Inc()
			h.logger.Warn("Dropping slow event subscriber", slog.String("event", msg.Event))
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subscribers {
		h.removeLocked(sub)
	}
}

func (h *Hub) add() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{send: make(chan []byte, h.bufferSize)}
	h.subscribers[sub] = struct{}{}
	subscribersGauge.Set(float64(len(h.subscribers)))
	return sub, true
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// removeLocked closes sub.send exactly once.
func (h *Hub) removeLocked(sub *subscriber) {
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.send)
	subscribersGauge.Set(float64(len(h.subscribers)))
}

// ServeWS upgrades the request and streams events until the client goes
// away or is dropped.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Debug("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sub, ok := h.add()
	if !ok {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		return
	}
	h.logger.Info("Event subscriber connected", slog.String("remote_addr", r.RemoteAddr))

	// The reader only watches for the client closing and answers pings.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer h.remove(sub)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.writeLoop(conn, sub)
	conn.Close()
	<-readerDone
	h.logger.Info("Event subscriber disconnected", slog.String("remote_addr", r.RemoteAddr))
}

func (h *Hub) writeLoop(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(sub)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(sub)
				return
			}
		}
	}
}
