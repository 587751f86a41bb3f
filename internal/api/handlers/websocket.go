package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lock-code-manager/backend/internal/logging"
	ws "github.com/lock-code-manager/backend/internal/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow connections from Home Assistant ingress
		return true
	},
}

// WebSocketUpgrade returns a handler that upgrades HTTP connections to
// WebSocket. A lock_id query parameter, repeatable, subscribes the client to
// those locks only.
func WebSocketUpgrade(hub *ws.Hub, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		client := ws.NewClient(hub)
		client.Subscribe(r.URL.Query()["lock_id"])
		hub.Register(client)

		go writePump(conn, client)
		go readPump(conn, client, hub, logger)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func writePump(conn *websocket.Conn, client *ws.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps commands from the WebSocket connection to the client.
func readPump(conn *websocket.Conn, client *ws.Client, hub *ws.Hub, logger *logging.Logger) {
	defer func() {
		hub.Unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("websocket read error", "error", err)
			}
			return
		}

		reply := handleClientMessage(message, client)
		data, err := reply.JSON()
		if err != nil {
			logger.Error("encoding websocket reply", "type", reply.Type, "error", err)
			continue
		}
		if !client.Reply(data) {
			logger.Debug("websocket reply dropped", "type", reply.Type)
		}
	}
}

// handleClientMessage applies a client command and returns the reply.
func handleClientMessage(message []byte, client *ws.Client) ws.Message {
	var cmd ws.Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		return ws.NewMessage(ws.TypeError, ws.ErrorPayload{Code: "bad_request", Message: "invalid JSON"})
	}

	switch cmd.Type {
	case ws.TypePing:
		return ws.NewMessage(ws.TypePong, nil)

	case ws.TypeSubscribe, ws.TypeUnsubscribe:
		var p ws.SubscribePayload
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &p); err != nil {
				return ws.NewMessage(ws.TypeError, ws.ErrorPayload{
					Code: "bad_request", Message: "invalid payload", OriginalType: string(cmd.Type),
				})
			}
		}
		if cmd.Type == ws.TypeSubscribe {
			client.Subscribe(p.LockIDs)
		} else {
			client.Unsubscribe(p.LockIDs)
		}
		return ws.NewMessage(ws.TypeSubscribeAck, ws.SubscribePayload{LockIDs: client.Subscriptions()})

	default:
		return ws.NewMessage(ws.TypeError, ws.ErrorPayload{
			Code: "unknown_command", Message: "unknown command", OriginalType: string(cmd.Type),
		})
	}
}
