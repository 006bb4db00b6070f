package monitor

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // operator panel may be served from another host on the rig network
	},
}

// wsMessage is an operator command sent over the websocket. Action is one of
// "params", "param", "topic" or "save"; the remaining keys match the body of the
// HTTP endpoint of the same name.
type wsMessage struct {
	Action string `json:"action"`
}

// handleWebsocket streams every status change to the client and accepts
// operator commands in the other direction.
func (ws *WebServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, cancel := ws.controller.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go ws.readCommands(conn, done)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case st, ok := <-updates:
			if !ok {
				// The session ended.
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(st); err != nil {
				log.Printf("websocket write: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readCommands forwards client messages to the controller until the connection
// fails, then closes done.
func (ws *WebServer) readCommands(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxBodySize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read: %v", err)
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("websocket: ignoring malformed message: %v", err)
			continue
		}
		cmd, err := decodeCommand(msg.Action, data)
		if err != nil {
			log.Printf("websocket: ignoring %q message: %v", msg.Action, err)
			continue
		}
		ctx, cancel := contextWithTimeout(wsWriteWait)
		err = ws.controller.Submit(ctx, cmd)
		cancel()
		if err != nil {
			log.Printf("websocket: submit %s: %v", commandName(cmd), err)
			return
		}
	}
}
