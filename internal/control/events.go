package control

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/fbspeed/internal/session"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const eventSchemaVersion = 1

type eventMessage struct {
	SchemaVersion int                `json:"schema_version"`
	Type          string             `json:"type"`
	ClientID      string             `json:"client_id,omitempty"`
	Event         *session.Event     `json:"event,omitempty"`
	Sessions      []session.Snapshot `json:"sessions,omitempty"`
	Filter        []int              `json:"filter,omitempty"`
	*eventErrorPayload
}

type eventErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventHub fans session events out to websocket clients. It implements
// session.EventSink and never blocks the caller: when the broadcast queue or
// a client's buffer is full the event is dropped for that consumer.
type EventHub struct {
	mu        sync.Mutex
	clients   map[*eventClient]struct{}
	broadcast chan session.Event
	ctxDone   <-chan struct{}
	dropped   atomic.Uint64
	logger    util.Logger
}

type eventClient struct {
	id   uuid.UUID
	send chan []byte

	mu     sync.Mutex
	closed bool
	filter map[int]struct{}
}

func NewEventHub(ctxDone <-chan struct{}, logger util.Logger) *EventHub {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	h := &EventHub{
		clients:   make(map[*eventClient]struct{}),
		broadcast: make(chan session.Event, 256),
		ctxDone:   ctxDone,
		logger:    logger,
	}
	go h.run()
	return h
}

func (h *EventHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*eventClient]struct{})
			h.mu.Unlock()
			return
		case ev := <-h.broadcast:
			data, err := json.Marshal(eventMessage{SchemaVersion: eventSchemaVersion, Type: "session_event", Event: &ev})
			if err != nil {
				h.logger.Error("encode session event failed", "error", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(ev.SessionID) {
					continue
				}
				if !client.trySend(data) {
					h.dropped.Add(1)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *EventHub) Deliver(ev session.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Debug("session event dropped", "session", ev.SessionID, "type", ev.Type.String())
	}
}

// Dropped counts events that did not reach at least one consumer.
func (h *EventHub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *EventHub) Register(client *eventClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *EventHub) Unregister(client *eventClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func newEventClient() *eventClient {
	return &eventClient{id: uuid.New(), send: make(chan []byte, 64)}
}

func (c *eventClient) wants(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filter) == 0 {
		return true
	}
	_, ok := c.filter[id]
	return ok
}

// setFilter restricts delivery to ids; an empty list means every session.
func (c *eventClient) setFilter(ids []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) == 0 {
		c.filter = nil
		return
	}
	c.filter = make(map[int]struct{}, len(ids))
	for _, id := range ids {
		c.filter[id] = struct{}{}
	}
}

// trySend queues data without blocking. It reports false when the buffer
// is full or the client is closed.
func (c *eventClient) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *eventClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *ControlServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !c.checkEventsAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if c.hub == nil {
		http.Error(w, "event stream not available", http.StatusServiceUnavailable)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  originAllowed,
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	client := newEventClient()
	c.hub.Register(client)
	c.logger.Debug("event client connected", "client", client.id.String(), "remote", clientIP(r))

	var closeOnce sync.Once
	done := make(chan struct{})
	cleanup := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
			c.hub.Unregister(client)
			c.logger.Debug("event client disconnected", "client", client.id.String())
		})
	}
	sendJSON := func(payload eventMessage) {
		payload.SchemaVersion = eventSchemaVersion
		data, _ := json.Marshal(payload)
		client.trySend(data)
	}

	sendJSON(eventMessage{Type: "hello", ClientID: client.id.String(), Sessions: c.activeSessions()})

	go func() {
		defer cleanup()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				Type     string `json:"type"`
				Sessions []int  `json:"sessions"`
			}
			if err := json.Unmarshal(msg, &req); err != nil {
				sendJSON(eventMessage{Type: "error", eventErrorPayload: &eventErrorPayload{Code: "invalid_json", Message: "message must be a json object"}})
				continue
			}
			switch req.Type {
			case "subscribe":
				client.setFilter(req.Sessions)
				sendJSON(eventMessage{Type: "subscribed", Filter: req.Sessions})
			case "unsubscribe":
				client.setFilter(nil)
				sendJSON(eventMessage{Type: "subscribed"})
			case "snapshot":
				sendJSON(eventMessage{Type: "sessions_snapshot", Sessions: c.activeSessions()})
			default:
				sendJSON(eventMessage{Type: "error", eventErrorPayload: &eventErrorPayload{Code: "unknown_type", Message: "unknown message type"}})
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

func (c *ControlServer) activeSessions() []session.Snapshot {
	if c.sessions == nil {
		return nil
	}
	return c.sessions.Active()
}
