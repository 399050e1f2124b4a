package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/familysync/familysync/internal/metrics"
)

const (
	MessageSyncShopping = "SYNC_SHOPPING_ITEMS"
	MessageSyncCalendar = "SYNC_CALENDAR_EVENTS"

	streamBuffer       = 16
	streamWriteTimeout = 5 * time.Second
)

type StreamMessage struct {
	Type string `json:"type"`
}

// StreamHub fans change notices out to connected /api/sync/stream clients.
// Slow clients drop messages rather than block publishers.
type StreamHub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan StreamMessage
	closed bool
}

func NewStreamHub() *StreamHub {
	return &StreamHub{subs: map[uint64]chan StreamMessage{}}
}

func (h *StreamHub) subscribe() (uint64, <-chan StreamMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, nil, false
	}
	h.nextID++
	ch := make(chan StreamMessage, streamBuffer)
	h.subs[h.nextID] = ch
	return h.nextID, ch, true
}

func (h *StreamHub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *StreamHub) Broadcast(msgType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- StreamMessage{Type: msgType}:
		default:
		}
	}
}

func (h *StreamHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every client with a normal closure and refuses new ones.
func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get(streamTokenQueryID); token != "" {
			authHeader = bearerPrefix + token
		}
	}
	if _, authErr := parseBearer(authHeader, s.cfg.JWTSecret, s.now()); authErr != nil {
		writeError(w, authErr.status, authErr.message)
		return
	}

	id, messages, ok := s.hub.subscribe()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	defer s.hub.unsubscribe(id)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logf("stream accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	metrics.StreamClientConnected()
	defer metrics.StreamClientDisconnected()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-messages:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "server shutting down")
				return
			}
			if err := writeStreamMessage(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

func writeStreamMessage(ctx context.Context, conn *websocket.Conn, msg StreamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
