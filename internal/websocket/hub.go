package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sinmail/backend/internal/auth/jwt"
	"sinmail/backend/internal/domain"
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 没有 Origin 视为同源请求
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}

			return false
		},
	}
}

// EventType 定义WebSocket事件类型
type EventType string

const (
	EventMessageAccepted  EventType = "message_accepted"
	EventMessageDelivered EventType = "message_delivered"
	EventMessageFailed    EventType = "message_failed"
	EventPing             EventType = "ping"
	EventPong             EventType = "pong"
	EventError            EventType = "error"
)

// Event 定义推送给收件人的事件结构
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessageEventData 消息事件的数据载荷
type MessageEventData struct {
	MessageID   string `json:"messageId"`
	SenderEmail string `json:"senderEmail,omitempty"`
	Subject     string `json:"subject"`
	Status      string `json:"status"`
	ReceiptRef  string `json:"receiptRef,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// Client 代表一个已认证的WebSocket连接
//
// 每个连接绑定到持有 token 的收件人，只收到自己的消息事件。
type Client struct {
	ID          string
	RecipientID string
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	log         *zap.Logger
}

// Hub 管理所有WebSocket连接
type Hub struct {
	clients        map[string]*Client            // clientID -> Client
	recipients     map[string]map[string]*Client // recipientID -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *broadcastEvent
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	jwtManager     *jwt.Manager
}

type broadcastEvent struct {
	RecipientID string
	Event       *Event
}

// NewHub 创建WebSocket Hub
func NewHub(allowedOrigins []string, jwtManager *jwt.Manager, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return &Hub{
		clients:        make(map[string]*Client),
		recipients:     make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *broadcastEvent, 256),
		log:            log,
		allowedOrigins: allowedOrigins,
		jwtManager:     jwtManager,
	}
}

// Run 启动Hub
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			if h.recipients[client.RecipientID] == nil {
				h.recipients[client.RecipientID] = make(map[string]*Client)
			}
			h.recipients[client.RecipientID][client.ID] = client
			h.mu.Unlock()
			h.log.Info("client registered",
				zap.String("id", client.ID),
				zap.String("recipient_id", client.RecipientID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				if clients, exists := h.recipients[client.RecipientID]; exists {
					delete(clients, client.ID)
					if len(clients) == 0 {
						delete(h.recipients, client.RecipientID)
					}
				}
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Info("client unregistered", zap.String("id", client.ID))
			}
			h.mu.Unlock()

		case evt := <-h.broadcast:
			h.broadcastToRecipient(evt.RecipientID, evt.Event)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// NotifyMessageEvent 向收件人推送消息事件
//
// delivery worker 与提交流水线都会调用；Hub 未启动或收件人
// 不在线时事件直接丢弃，投递状态以数据库为准。
func (h *Hub) NotifyMessageEvent(recipientID string, eventType EventType, message *domain.Message) {
	receipt := ""
	if message.ReceiptRef != nil {
		receipt = *message.ReceiptRef
	}

	sender := ""
	if message.SenderEmail != nil {
		sender = *message.SenderEmail
	}

	data, err := json.Marshal(MessageEventData{
		MessageID:   message.ID,
		SenderEmail: sender,
		Subject:     message.Subject,
		Status:      string(message.Status),
		ReceiptRef:  receipt,
		CreatedAt:   message.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		h.log.Error("failed to marshal message event", zap.Error(err))
		return
	}

	evt := &Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- &broadcastEvent{RecipientID: recipientID, Event: evt}:
	default:
		h.log.Warn("broadcast channel full, dropping event",
			zap.String("recipient_id", recipientID),
			zap.String("message_id", message.ID))
	}
}

// broadcastToRecipient 向收件人的所有连接广播事件
func (h *Hub) broadcastToRecipient(recipientID string, evt *Event) {
	h.mu.RLock()
	clients := h.recipients[recipientID]
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// 客户端阻塞，跳过
			h.log.Warn("client channel blocked, skipping", zap.String("client_id", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	evt := &Event{
		Type:      EventPing,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.recipients = make(map[string]map[string]*Client)
}

// authenticateClient 认证客户端
func (h *Hub) authenticateClient(c *gin.Context) (*Client, error) {
	// 从URL参数或Header获取token
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
	}

	if token == "" {
		return nil, errors.New("missing authentication token")
	}

	claims, err := h.jwtManager.ValidateToken(token)
	if err != nil {
		return nil, errors.New("invalid authentication token")
	}

	return &Client{
		ID:          uuid.New().String(),
		RecipientID: claims.RecipientID,
		log:         h.log,
	}, nil
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		client, err := hub.authenticateClient(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client.conn = conn
		client.hub = hub
		client.send = make(chan []byte, 256)

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var evt Event
		err := c.conn.ReadJSON(&evt)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}

		if evt.Type == EventPong {
			c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		}
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
