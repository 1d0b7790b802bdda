package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/p-n-ai/pai-learn/internal/progress"
)

// WebSocketChannel streams events as JSON text frames.
type WebSocketChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWebSocketChannel(conn *websocket.Conn) *WebSocketChannel {
	return &WebSocketChannel{conn: conn}
}

func (c *WebSocketChannel) Send(ctx context.Context, event progress.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, event)
}

func (c *WebSocketChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// ServeWebSocket upgrades the request and streams the learner's events until
// the client disconnects. Client frames are discarded.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request, learnerID string, opts *websocket.AcceptOptions) {
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Warn("websocket accept failed", "learner_id", learnerID, "error", err)
		return
	}

	unregister := h.Register(learnerID, NewWebSocketChannel(conn))
	defer unregister()

	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	slog.Info("websocket closed", "learner_id", learnerID)
}
