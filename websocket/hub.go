package websocket

import (
	"context"
	"encoding/json"
	"time"

	"nps-dashboard-server/logger"
)

// Message types pushed to dashboard clients.
const (
	TypeProgress    = "progress"
	TypeDataChanged = "data_changed"
	TypePong        = "pong"
	TypeError       = "error"
)

// broadcastBuffer is how many messages can wait for the hub loop before new ones are dropped.
const broadcastBuffer = 256

// Message is the envelope of every websocket frame.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// MessageHandler handles a message sent by a client.
type MessageHandler func(*Client, *Message) error

// Hub manages all WebSocket connections
type Hub struct {
	// Registered clients, keyed by connection id
	Clients map[string]*Client

	// Broadcast channel for messages to all clients
	Broadcast chan *Message

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// Message handlers
	MessageHandlers map[string]MessageHandler

	// Snapshot returns the state sent to a client right after it connects. Optional.
	Snapshot func() *Message

	log  *logger.Logger
	done chan struct{}
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	hub := &Hub{
		Clients:         make(map[string]*Client),
		Broadcast:       make(chan *Message, broadcastBuffer),
		Register:        make(chan *Client),
		Unregister:      make(chan *Client),
		MessageHandlers: make(map[string]MessageHandler),
		log:             log.With("component", "websocket"),
		done:            make(chan struct{}),
	}
	hub.MessageHandlers["ping"] = hub.handlePing
	return hub
}

// Run owns the client map until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.Register:
			h.Clients[client.ID] = client
			h.log.Info("client registered", "id", client.ID, "user", client.Username, "clients", len(h.Clients))
			if h.Snapshot != nil {
				if msg := h.Snapshot(); msg != nil {
					h.sendTo(client, msg)
				}
			}

		case client := <-h.Unregister:
			h.remove(client)
			h.log.Info("client unregistered", "id", client.ID, "clients", len(h.Clients))

		case message := <-h.Broadcast:
			h.broadcastMessage(message)

		case <-ctx.Done():
			for _, client := range h.Clients {
				h.remove(client)
			}
			return
		}
	}
}

// Publish queues a message for every client. It never blocks: when the
// queue is full the message is dropped.
func (h *Hub) Publish(msgType string, data interface{}) {
	msg := &Message{Type: msgType, Timestamp: time.Now(), Data: data}
	select {
	case h.Broadcast <- msg:
	default:
		h.log.Warn("broadcast queue full, dropping message", "type", msgType)
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("failed to encode message", "type", message.Type, "error", err)
		return
	}

	for _, client := range h.Clients {
		if err := client.enqueue(data); err != nil {
			h.log.Warn("client too slow, disconnecting", "id", client.ID, "error", err)
			h.remove(client)
		}
	}
}

func (h *Hub) sendTo(client *Client, message *Message) {
	if err := client.SendMessage(message); err != nil {
		h.log.Warn("failed to send to client", "id", client.ID, "error", err)
	}
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.Clients[client.ID]; ok {
		delete(h.Clients, client.ID)
		client.closeSend()
	}
}

// handlePing handles ping messages for connection health
func (h *Hub) handlePing(client *Client, message *Message) error {
	return client.SendMessage(&Message{Type: TypePong, Timestamp: time.Now()})
}
