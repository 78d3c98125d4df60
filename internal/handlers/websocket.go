package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mossy-p/callrelay/internal/metrics"
	"github.com/mossy-p/callrelay/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Relay is the event side of the signaling service.
type Relay interface {
	HandleEvent(ctx context.Context, connID string, env models.Envelope) error
	Disconnect(ctx context.Context, connID string)
}

type SignalingOptions struct {
	SendBuffer int
	Rate       float64 // inbound events per second
	Burst      int
}

// Client represents a WebSocket client connection
type Client struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	limiter *rate.Limiter
	log     zerolog.Logger
}

// Hub tracks every open connection, authenticated or not, and delivers
// encoded events to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	metrics *metrics.Metrics
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{clients: make(map[string]*Client), metrics: m}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	h.metrics.ConnectionsTotal.Inc()
	h.metrics.ConnectionsActive.Inc()
}

// remove unregisters c and closes its send channel. Senders hold the read
// lock while enqueueing, so no send can race the close.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	close(c.Send)
	h.metrics.ConnectionsActive.Dec()
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendToOne queues an event for connID. Unknown connections are ignored.
func (h *Hub) SendToOne(connID string, event models.EventName, payload any) {
	data, err := models.NewEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Msg("failed to marshal message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, exists := h.clients[connID]
	if !exists {
		log.Debug().Str("conn_id", connID).Str("event", string(event)).Msg("target connection not found")
		return
	}
	h.enqueue(client, event, data)
}

// BroadcastExcept queues an event for every connection but connID.
func (h *Hub) BroadcastExcept(connID string, event models.EventName, payload any) {
	data, err := models.NewEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Msg("failed to marshal message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, client := range h.clients {
		if id != connID {
			h.enqueue(client, event, data)
		}
	}
}

func (h *Hub) enqueue(c *Client, event models.EventName, data []byte) {
	select {
	case c.Send <- data:
	default:
		h.metrics.EventsDropped.WithLabelValues("buffer_full").Inc()
		c.log.Warn().Str("event", string(event)).Msg("failed to send message, buffer full")
	}
}

// CloseAll closes every connection. Their read loops then run the normal
// disconnect path.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.Conn.Close()
	}
}

// HandleSignaling upgrades the request and serves one signaling connection
// until it closes.
func HandleSignaling(hub *Hub, relay Relay, opts SignalingOptions) gin.HandlerFunc {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return func(c *gin.Context) {
		// Upgrade HTTP connection to WebSocket
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("failed to upgrade connection")
			return
		}

		connID := uuid.New().String()
		client := &Client{
			ID:   connID,
			Conn: conn,
			Send: make(chan []byte, opts.SendBuffer),
			log:  log.With().Str("conn_id", connID).Logger(),
		}
		if opts.Rate > 0 {
			client.limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst)
		}

		hub.add(client)
		client.log.Info().Str("remote", c.ClientIP()).Msg("connection opened")

		go client.writePump()
		client.readPump(c.Request.Context(), hub, relay)
	}
}

func (c *Client) readPump(ctx context.Context, hub *Hub, relay Relay) {
	defer func() {
		hub.remove(c)
		c.Conn.Close()
		relay.Disconnect(context.WithoutCancel(ctx), c.ID)
		c.log.Info().Msg("connection closed")
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket error")
			}
			break
		}

		if c.limiter != nil && !c.limiter.Allow() {
			hub.metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
			c.log.Warn().Msg("event rate exceeded, dropping")
			continue
		}

		// Parse message
		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			hub.metrics.EventsDropped.WithLabelValues("malformed").Inc()
			c.log.Warn().Err(err).Msg("failed to parse message")
			continue
		}

		if err := relay.HandleEvent(ctx, c.ID, env); err != nil {
			c.log.Debug().Err(err).Str("event", string(env.Event)).Msg("event not delivered")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
