package events

import (
	"encoding/json"
	"time"
)

// Event describes one engine progress notification for a client.
type Event struct {
	Kind      string    `json:"kind"` // deployment | push | snapshot
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber abstracts a streaming consumer.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans engine events out to subscribers keyed by client id.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

type message struct {
	clientID string
	payload  []byte
}

type subscription struct {
	clientID string
	sub      Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.clientID]; !ok {
				h.clients[sub.clientID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.clientID][sub.sub] = struct{}{}
		case sub := <-h.unreg:
			if subs, ok := h.clients[sub.clientID]; ok {
				delete(subs, sub.sub)
				if len(subs) == 0 {
					delete(h.clients, sub.clientID)
				}
			}
		case msg := <-h.broadcast:
			if subs, ok := h.clients[msg.clientID]; ok {
				for s := range subs {
					if err := s.Send(msg.payload); err != nil {
						s.Close()
						delete(subs, s)
					}
				}
				if len(subs) == 0 {
					delete(h.clients, msg.clientID)
				}
			}
		}
	}
}

// Register adds a subscriber to a client's event stream.
func (h *Hub) Register(clientID string, sub Subscriber) {
	h.register <- subscription{clientID: clientID, sub: sub}
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(clientID string, sub Subscriber) {
	h.unreg <- subscription{clientID: clientID, sub: sub}
}

// Publish broadcasts an event to every subscriber of its client.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.broadcast <- message{clientID: event.ClientID, payload: payload}
}
