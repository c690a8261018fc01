package ui

import (
	"context"
	"encoding/json"
	"mmbot/internal/logger"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	TopicHello = "hello"

	sendBuffer      = 256
	broadcastBuffer = 1024
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	writeWait       = 10 * time.Second
)

type outbound struct {
	topic string
	data  []byte
}

// Hub fans notifications out to the connected websocket clients. It
// implements notify.Notifier; Notify never blocks and drops the message when
// the hub is saturated.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}

	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewHub builds a hub accepting websocket upgrades from the given origins,
// the same list the REST API allows through CORS. An empty list falls back
// to the local UI origins.
func NewHub(log *logger.Logger, origins []string) *Hub {
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	h := &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan outbound, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		log:        log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// non-browser clients send no Origin
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
	return h
}

func (h *Hub) logEntry() *logrus.Entry {
	return h.log.WithComponent("ws_hub")
}

func (h *Hub) Notify(topic string, payload any) {
	data, err := json.Marshal(Envelope{Topic: topic, Data: payload})
	if err != nil {
		h.logEntry().WithError(err).WithField("topic", topic).Warn("encode notification failed")
		return
	}
	select {
	case h.broadcast <- outbound{topic: topic, data: data}:
	default:
		h.logEntry().WithField("topic", topic).Warn("hub saturated, notification dropped")
	}
}

// Run owns the client set until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	hello, _ := json.Marshal(Envelope{Topic: TopicHello})

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return nil

		case c := <-h.register:
			h.clients[c] = struct{}{}
			c.send <- hello
			h.logEntry().WithFields(logrus.Fields{
				"client": c.id,
				"total":  len(h.clients),
			}).Info("client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logEntry().WithFields(logrus.Fields{
					"client": c.id,
					"total":  len(h.clients),
				}).Info("client disconnected")
			}

		case m := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(m.topic) {
					continue
				}
				select {
				case c.send <- m.data:
				default:
					h.logEntry().WithField("client", c.id).Warn("client too slow, disconnecting")
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	mu     sync.RWMutex
	topics map[string]bool
}

func (c *client) wants(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.topics) == 0 || c.topics[topic]
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logEntry().WithError(err).WithField("client", c.id).Warn("websocket read failed")
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logEntry().WithError(err).WithField("client", c.id).Warn("malformed websocket request")
			continue
		}

		c.mu.Lock()
		switch req.Op {
		case "subscribe":
			for _, topic := range req.Topics {
				c.topics[topic] = true
			}
		case "unsubscribe":
			for _, topic := range req.Topics {
				delete(c.topics, topic)
			}
		default:
			c.hub.logEntry().WithField("op", req.Op).Warn("unknown websocket op")
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logEntry().WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		id:     conn.RemoteAddr().String(),
		topics: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
