package relay

import (
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/evoluhq/evolu-go/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConnection adapts a gorilla/websocket connection to relay.Connection,
// serializing writes behind a mutex since broadcast and the request/
// response loop may push concurrently.
type wsConnection struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConnection) Push(messages []protocol.EncryptedMessage) {
	resp := protocol.SyncResponse{Messages: messages}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.BinaryMessage, resp.Encode())
}

// ServeHTTP upgrades the connection and runs the sync protocol for the
// owner named in the URL path (wss://<host>/<owner_id>), per the relay
// URL convention: the owner id routes the connection without the relay
// ever inspecting message bodies.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ownerID := strings.TrimPrefix(req.URL.Path, "/")
	if ownerID == "" {
		http.Error(w, "missing owner id", http.StatusBadRequest)
		return
	}

	if !r.authorizer.AllowOwner(ownerID) {
		http.Error(w, "owner not allowed", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logWarn("websocket upgrade failed", "owner_id", ownerID, "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	wsConn := &wsConnection{conn: conn}
	unsubscribe, err := r.Subscribe(ownerID, wsConn)
	if err != nil {
		r.logWarn("subscribe rejected", "owner_id", ownerID, "conn_id", connID, "error", err)
		return
	}
	defer unsubscribe()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		syncReq, err := protocol.DecodeSyncRequest(data)
		if err != nil {
			r.logWarn("malformed sync request", "owner_id", ownerID, "conn_id", connID, "error", err)
			return
		}

		resp, err := r.HandleSync(ownerID, syncReq, wsConn)
		if err != nil {
			r.logWarn("sync request failed", "owner_id", ownerID, "conn_id", connID, "error", err)
			return
		}

		if err := conn.WriteMessage(websocket.BinaryMessage, resp.Encode()); err != nil {
			return
		}
	}
}
