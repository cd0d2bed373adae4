package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"chatrelay/pkg/feed"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/utils"
)

var upgrader = &websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (a *API) registerFeed(r *mux.Router) {
	r.HandleFunc("/feed", a.serveFeed).Methods(http.MethodGet)
}

// wsConn bridges one feed subscription onto a websocket. Outbound events
// go through a buffered channel drained by the writer pump; a full buffer
// drops the frame, which the client's resubscribe backfill covers.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
}

// serveFeed upgrades the connection and subscribes it to the requested
// scope: ?conversation=<id> for a single thread, ?user=<id> for the
// session-wide inbox feed.
func (a *API) serveFeed(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conversation")
	userID := r.URL.Query().Get("user")
	if convID == "" && userID == "" {
		utils.JSONError(w, http.StatusBadRequest, "conversation or user scope required")
		return
	}
	var scope feed.Scope
	if convID != "" {
		scope = feed.ConversationScope(convID)
	} else {
		scope = feed.UserScope(userID)
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("feed_upgrade_failed", "error", err)
		return
	}
	c := &wsConn{ws: ws, send: make(chan []byte, 32)}

	sub, err := a.broker.Subscribe(scope, c.forward, c.forward)
	if err != nil {
		_ = ws.Close()
		return
	}
	go c.writer(sub)
	c.reader()
	a.broker.Unsubscribe(sub)
}

func (c *wsConn) forward(ev models.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

// reader drains client frames purely to detect the close.
func (c *wsConn) reader() {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			break
		}
	}
	_ = c.ws.Close()
}

func (c *wsConn) writer(sub *feed.Subscription) {
	for {
		select {
		case <-sub.Done():
			_ = c.ws.Close()
			return
		case b := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}
