package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hewenyu/fleet-core/internal/config"
	"github.com/hewenyu/fleet-core/internal/fleet"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	// 写消息超时
	writeWait = 10 * time.Second
	// 等待pong的时间
	pongWait = 60 * time.Second
	// ping周期，必须小于pongWait
	pingPeriod = (pongWait * 9) / 10
	// 每个客户端的发送缓冲
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client 一个websocket连接
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub 维护websocket客户端并广播读模型事件
type Hub struct {
	logger config.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

// NewHub 创建Hub，需调用Run后才开始分发
func NewHub(logger config.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run 分发循环，ctx结束时关闭全部客户端
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket客户端已连接", zap.Int("total", total))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket客户端已断开", zap.Int("total", total))

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// 客户端过慢，直接断开
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish 广播事件，队列已满时丢弃
func (h *Hub) Publish(event fleet.Event) {
	message, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("序列化推送事件失败", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("推送队列已满，丢弃事件", zap.String("type", string(event.Type)))
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		// 客户端消息只用于保活
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket连接异常关闭", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// StreamHandler 读模型推送处理器
type StreamHandler struct {
	fleet  Fleet
	hub    *Hub
	logger config.Logger
}

// NewStreamHandler 创建推送处理器
func NewStreamHandler(fleet Fleet, hub *Hub, logger config.Logger) *StreamHandler {
	return &StreamHandler{
		fleet:  fleet,
		hub:    hub,
		logger: logger,
	}
}

// Stream 升级为websocket，先发送当前读模型，再持续推送变化
func (h *StreamHandler) Stream(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket升级失败", zap.Error(err))
		return err
	}

	cl := &client{
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	now := time.Now()
	initial := []fleet.Event{
		{Type: fleet.EventSnapshot, Timestamp: now, Data: h.fleet.Servers()},
		{Type: fleet.EventRotation, Timestamp: now, Data: h.fleet.Rotation()},
		{Type: fleet.EventConnectivity, Timestamp: now, Data: h.fleet.Connectivity()},
	}
	for _, event := range initial {
		message, err := json.Marshal(event)
		if err != nil {
			_ = conn.Close()
			return err
		}
		cl.send <- message
	}

	select {
	case h.hub.register <- cl:
	case <-h.hub.done:
		_ = conn.Close()
		return nil
	}

	go cl.writePump()
	go cl.readPump()
	return nil
}
