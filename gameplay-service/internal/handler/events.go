package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время, разрешенное для чтения следующего pong сообщения от клиента.
	pongWait = 60 * time.Second
	// Должно быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Клиент ничего не отправляет, кроме control-фреймов.
	maxMessageSize = 512
	sendBuffer     = 256
)

// eventClient - одно websocket-подключение подписчика.
type eventClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// EventHub рассылает события сессии всем подключенным клиентам UI.
type EventHub struct {
	clients    map[string]*eventClient
	register   chan *eventClient
	unregister chan string
	broadcast  chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

var _ interfaces.EventNotifier = (*EventHub)(nil)

// NewEventHub создает хаб и запускает его цикл. allowedOrigins пустой или "*" разрешает любой Origin.
func NewEventHub(allowedOrigins []string, logger *zap.Logger) *EventHub {
	h := &EventHub{
		clients:    make(map[string]*eventClient),
		register:   make(chan *eventClient),
		unregister: make(chan string),
		broadcast:  make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		logger:     logger.Named("EventHub"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	go h.run()
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *EventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client.id] = client
			h.logger.Info("Event subscriber registered", zap.String("clientID", client.id), zap.Int("total", len(h.clients)))
		case id := <-h.unregister:
			if client, ok := h.clients[id]; ok {
				delete(h.clients, id)
				close(client.send)
				h.logger.Info("Event subscriber unregistered", zap.String("clientID", id), zap.Int("total", len(h.clients)))
			}
		case msg := <-h.broadcast:
			for id, client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Медленный клиент: отключаем, чтобы не блокировать остальных.
					h.logger.Warn("Event subscriber send buffer full, dropping", zap.String("clientID", id))
					delete(h.clients, id)
					close(client.send)
				}
			}
		case <-h.done:
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.send)
			}
			return
		}
	}
}

// Notify implements interfaces.EventNotifier. It never blocks the caller.
func (h *EventHub) Notify(ev models.SessionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal session event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- payload:
		eventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	case <-h.done:
	default:
		eventsDroppedTotal.Inc()
		h.logger.Warn("Event broadcast queue full, event dropped", zap.String("type", string(ev.Type)))
	}
}

// Close отключает всех подписчиков и останавливает цикл хаба.
func (h *EventHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeWS обновляет соединение до WebSocket и подписывает его на события.
func (h *EventHub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader уже записал ответ
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	client := &eventClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	log := h.logger.With(zap.String("clientID", client.id))
	go client.writePump(log)
	go client.readPump(h, log)
}

func (h *EventHub) unregisterClient(id string) {
	select {
	case h.unregister <- id:
	case <-h.done:
	}
}

// readPump только обслуживает pong-и и закрытие соединения.
func (c *eventClient) readPump(h *EventHub, log *zap.Logger) {
	defer func() {
		h.unregisterClient(c.id)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *eventClient) writePump(log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
