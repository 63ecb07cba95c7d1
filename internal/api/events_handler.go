package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/taskmail/taskmail/internal/models"
	ws "github.com/taskmail/taskmail/internal/websocket"
)

// EventPublisher receives task changes after they are committed.
type EventPublisher interface {
	Publish(event models.TaskEvent)
}

// EventsHandler streams task changes over /api/tasks/events.
type EventsHandler struct {
	hub *ws.Hub
}

// NewEventsHandler creates a new EventsHandler instance.
func NewEventsHandler(hub *ws.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

var wsUpgrader = websocket.Upgrader{
	// CORS is allow-all for the whole API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handle upgrades the connection and keeps it registered until the client goes away.
func (h *EventsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("EventsHandler: upgrade failed")
		return
	}

	client := h.hub.Register(conn)
	if client == nil {
		return
	}

	log.WithField("connections", h.hub.ActiveConnections()).Debug("events_client_connected")
	go h.readLoop(client)
}

// Publish broadcasts event to every connected client.
func (h *EventsHandler) Publish(event models.TaskEvent) {
	msg, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("EventsHandler: failed to encode event")
		return
	}
	h.hub.Broadcast(msg)
}

func (h *EventsHandler) readLoop(client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(client)
}
