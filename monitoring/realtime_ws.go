package monitoring

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type MessageType string

const (
	TrainingProgress MessageType = "training_progress"
	DetectionEvent   MessageType = "detection_event"
	SystemStatus     MessageType = "system_status"
	Heartbeat        MessageType = "heartbeat"
)

// Message is the envelope pushed to every websocket subscriber.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

// TrainingProgressMessage mirrors one epoch of a training run.
type TrainingProgressMessage struct {
	Epoch        int     `json:"epoch"`
	TotalEpochs  int     `json:"total_epochs"`
	TrainLoss    float64 `json:"train_loss"`
	ValLoss      float64 `json:"val_loss"`
	ValAccuracy  float64 `json:"val_accuracy"`
	ModelVersion string  `json:"model_version"`
}

// DetectionEventMessage announces one completed transit search.
type DetectionEventMessage struct {
	CatalogID   string  `json:"catalog_id"`
	Period      float64 `json:"period"`
	Depth       float64 `json:"depth"`
	Score       float64 `json:"score"`
	Confidence  float64 `json:"confidence"`
	IsExoplanet bool    `json:"is_exoplanet"`
	Disposition string  `json:"disposition,omitempty"`
}

type SystemStatusMessage struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Uptime    string `json:"uptime,omitempty"`
}

type HeartbeatMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// clientMessage is what subscribers send upstream.
type clientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

const (
	writeWait       = 30 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 30 * time.Second
	heartbeatPeriod = 30 * time.Second
	maxClientFrame  = 512
	sendBufferSize  = 256
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string

	mu   sync.Mutex
	subs map[MessageType]bool
}

// wants reports whether the client should receive a message kind. A
// client with no explicit subscriptions receives everything.
func (c *client) wants(kind MessageType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return true
	}
	return c.subs[kind]
}

func (c *client) subscribe(topic MessageType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = true
}

func (c *client) unsubscribe(topic MessageType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, topic)
}

type envelope struct {
	kind    MessageType
	payload []byte
}

// HubStats reports hub throughput.
type HubStats struct {
	ConnectedClients int           `json:"connected_clients"`
	MessagesSent     int64         `json:"messages_sent"`
	MessagesDropped  int64         `json:"messages_dropped"`
	StartTime        time.Time     `json:"start_time"`
	Uptime           time.Duration `json:"uptime"`
}

// Hub fans monitoring messages out to websocket subscribers. Slow
// clients are disconnected rather than allowed to stall the loop.
type Hub struct {
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu        sync.RWMutex
	clients   map[*client]bool
	running   bool
	sent      int64
	dropped   int64
	startTime time.Time
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		broadcast:  make(chan envelope, sendBufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:    logger,
		stopChan:  make(chan struct{}),
		clients:   make(map[*client]bool),
		startTime: time.Now(),
	}
}

// Start launches the fan-out loop and the heartbeat ticker.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		h.logger.Warn("hub already running")
		return
	}
	h.running = true
	h.startTime = time.Now()
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run()
	h.logger.Info("websocket hub started")
}

func (h *Hub) run() {
	defer h.wg.Done()

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("websocket client connected",
				zap.String("client_id", c.id),
				zap.Int("total", total))

		case c := <-h.unregister:
			h.dropClient(c)

		case env := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(env.kind) {
					continue
				}
				select {
				case c.send <- env.payload:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()

		case <-heartbeat.C:
			h.PublishHeartbeat()

		case <-h.stopChan:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) dropClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Info("websocket client disconnected",
			zap.String("client_id", c.id),
			zap.Int("total", len(h.clients)))
	}
}

// Stop disconnects every client and halts the loop.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopChan)
	h.wg.Wait()
	h.logger.Info("websocket hub stopped")
}

// HandleWebSocket upgrades the request and attaches the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		id:   fmt.Sprintf("client_%d", time.Now().UnixNano()),
		subs: make(map[MessageType]bool),
	}

	select {
	case h.register <- c:
	case <-h.stopChan:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

// Broadcast queues one framed message without blocking; a full queue
// drops the message.
func (h *Hub) Broadcast(kind MessageType, payload []byte) {
	select {
	case h.broadcast <- envelope{kind: kind, payload: payload}:
		h.mu.Lock()
		h.sent++
		h.mu.Unlock()
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.Warn("broadcast queue full, dropping message",
			zap.String("type", string(kind)))
	}
}

func (h *Hub) publish(kind MessageType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	msg := Message{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Data:      data,
		ID:        fmt.Sprintf("msg_%d", time.Now().UnixNano()),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", kind, err)
	}
	h.Broadcast(kind, raw)
	return nil
}

func (h *Hub) PublishTrainingProgress(p TrainingProgressMessage) error {
	return h.publish(TrainingProgress, p)
}

func (h *Hub) PublishDetection(d DetectionEventMessage) error {
	return h.publish(DetectionEvent, d)
}

func (h *Hub) PublishSystemStatus(s SystemStatusMessage) error {
	return h.publish(SystemStatus, s)
}

func (h *Hub) PublishHeartbeat() error {
	return h.publish(Heartbeat, HeartbeatMessage{
		Timestamp: time.Now().UTC(),
		Status:    "alive",
	})
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		ConnectedClients: len(h.clients),
		MessagesSent:     h.sent,
		MessagesDropped:  h.dropped,
		StartTime:        h.startTime,
		Uptime:           time.Since(h.startTime),
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

func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopChan:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxClientFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("bad client message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.subscribe(MessageType(msg.Topic))
		case "unsubscribe":
			c.unsubscribe(MessageType(msg.Topic))
		case "ping":
		}
	}
}
