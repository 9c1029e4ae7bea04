// Package websocket pushes prescription lifecycle events to connected
// clients. Every client receives the "prescriptions" topic and may subscribe
// to individual prescriptions ("prescription:<id>").
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	TopicAll = "prescriptions"

	EventCreated    = "prescription_created"
	EventUpdated    = "prescription_updated"
	EventDeleted    = "prescription_deleted"
	EventProcessing = "prescription_processing"
	EventCompleted  = "prescription_completed"
	EventFailed     = "prescription_failed"
)

// TopicFor is the per-prescription topic name.
func TopicFor(prescriptionID string) string {
	return "prescription:" + prescriptionID
}

// Event is a notification about one prescription.
type Event struct {
	Type           string          `json:"type"`
	PrescriptionID string          `json:"prescriptionId"`
	Status         string          `json:"status,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Publisher is what domain services depend on to announce changes.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	h.subscribeLocked(client, client.Topics)
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var added []string
	for _, t := range topics {
		if _, ok := h.clients[t][client]; !ok {
			added = append(added, t)
		}
	}
	h.subscribeLocked(client, added)
	client.Topics = append(client.Topics, added...)
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubscribeLocked(client, topics)

	removed := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removed[t] = struct{}{}
	}
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := removed[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

func (h *Hub) unsubscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
}

// ProcessMessage dispatches a client's subscribe/unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends event to the subscribers of topic. Clients whose buffer
// is full miss the event rather than stall the publisher.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client", client.ID).Str("type", event.Type).Msg("client buffer full, dropping event")
		}
	}
}

// Publish fans an event out to the global topic and the prescription's own
// topic. A client subscribed to both receives it once.
func (h *Hub) Publish(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range []string{TopicAll, TopicFor(event.PrescriptionID)} {
		for client := range h.clients[topic] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().Str("client", client.ID).Str("type", event.Type).Msg("client buffer full, dropping event")
			}
		}
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP connections and pumps messages between the socket
// and the hub.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (wh *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", wh.HandleConnect)
}

func (wh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.NewString(),
		Topics: []string{TopicAll},
		Send:   make(chan []byte, 256),
	}
	wh.hub.Register(client)

	go wh.writePump(client, ws)
	go wh.readPump(client, ws)
	return nil
}

func (wh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wh.hub.ProcessMessage(client, msg)
	}
}

func (wh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
