package app

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"curator/api/internal/editor"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the embedding host fronts this API; origin policy is enforced there
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is what the form in the browser sends.
type clientMessage struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
	Lang   string            `json:"lang,omitempty"`
}

// handleEditorWS upgrades the connection and bridges it to an edit
// session: inbound socket messages become session commands, session
// events become outbound frames. Closing the socket ends the session,
// which is also how a participant leaves presence.
func (s *HTTPServer) handleEditorWS(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	entityName := chi.URLParam(r, "name")
	recordID := r.URL.Query().Get("record")

	edit, err := s.service.MountEditor(r.Context(), session, entityName, recordID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("app: ws upgrade: %v", err)
		edit.Close()
		return
	}

	client := &wsClient{conn: conn, edit: edit}
	go client.writePump()
	client.readPump()
}

type wsClient struct {
	conn *websocket.Conn
	edit *editor.Session
}

func (c *wsClient) readPump() {
	defer c.edit.Close()
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("app: ws read: %v", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "change":
			c.edit.Change(msg.Params)
		case "set_language":
			c.edit.SetLanguage(msg.Lang)
		case "save":
			c.edit.Save()
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.edit.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(eventFrame(event)); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func eventFrame(event editor.Event) map[string]any {
	frame := map[string]any{"type": event.Kind}
	switch event.Kind {
	case editor.EventRole:
		frame["role"] = event.Role
	case editor.EventState:
		frame["state"] = event.State
		frame["unsaved"] = event.Unsaved
	case editor.EventEditors:
		frame["editors"] = event.Editors
	case editor.EventSaved:
		frame["record"] = recordPayload(*event.Record)
		frame["state"] = event.State
	case editor.EventEvicted, editor.EventNotice:
		frame["message"] = event.Notice
	}
	return frame
}
