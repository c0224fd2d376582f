package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans deployment status events out to subscribers, keyed by site slug.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with the site it concerns.
type message struct {
	slug    string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	slug   string
	client Subscriber
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
			if _, ok := h.clients[sub.slug]; !ok {
				h.clients[sub.slug] = make(map[Subscriber]struct{})
			}
			h.clients[sub.slug][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.slug]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.slug)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.slug]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.slug)
				}
			}
		}
	}
}

// Register adds a client to a site's status stream.
func (h *Hub) Register(slug string, client Subscriber) {
	h.register <- subscription{slug: slug, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(slug string, client Subscriber) {
	h.unreg <- subscription{slug: slug, client: client}
}

// Broadcast sends payload to all subscribers of a site.
func (h *Hub) Broadcast(slug string, payload []byte) {
	h.broadcast <- message{slug: slug, payload: payload}
}
