// cmd/alert-gateway/main.go
package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sankey/internal/pkg/bootstrap"
	"sankey/internal/pkg/logger"
	"sankey/internal/pkg/mq"
	"sankey/internal/pkg/session"
)

const (
	serviceName = "alert-gateway"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	nodeID   = serviceName + "-" + uuid.New().String()[:8]
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// 网关在内网运行，跨域交给前置层处理
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

// Hub 维护所有在线管理员的连接，并把升级告警广播给他们
type Hub struct {
	clients    map[string]*Client // key 为 adminID
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	lock       sync.RWMutex
	sessionMgr *session.Manager
}

func newHub(sessionMgr *session.Manager) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		sessionMgr: sessionMgr,
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.lock.Lock()
			h.clients[client.adminID] = client
			h.lock.Unlock()
			logger.Ctx(ctx).Info().Str("admin_id", client.adminID).Str("node_id", nodeID).Msg("✅ Admin connected.")
		case client := <-h.unregister:
			h.lock.Lock()
			if _, ok := h.clients[client.adminID]; ok {
				delete(h.clients, client.adminID)
				close(client.send)
			}
			h.lock.Unlock()
			h.sessionMgr.RemoveAdminGateway(ctx, client.adminID)
			logger.Ctx(ctx).Info().Str("admin_id", client.adminID).Msg("Admin disconnected.")
		case message := <-h.broadcast:
			h.lock.RLock()
			for _, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// 发送缓冲满说明连接已经不健康，丢弃这条告警
					logger.Ctx(ctx).Warn().Str("admin_id", client.adminID).Msg("🚨 Client send buffer full, alert dropped.")
				}
			}
			h.lock.RUnlock()
		case <-ctx.Done():
			return
		}
	}
}

// Client 代表一个管理员的 WebSocket 连接
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	adminID string
}

// writePump 把 send 通道里的告警写进连接，并周期性发 ping 保活
func (c *Client) writePump() {
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

// readPump 消费入站消息 (只有 pong 和关闭)，连接断开时反注册
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminID := r.URL.Query().Get("adminId")
	if adminID == "" {
		http.Error(w, "adminId is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 256), adminID: adminID}
	client.hub.register <- client

	if err := hub.sessionMgr.SetAdminGateway(context.Background(), adminID, nodeID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("admin_id", adminID).Msg("failed to record session")
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// consumeAlerts 消费告警主题并广播给在线管理员。
// 告警是通知性质的，消费后直接提交，不做重投。
func consumeAlerts(ctx context.Context, hub *Hub, brokers []string, topic string) {
	reader := mq.NewKafkaReader(brokers, topic, serviceName+"-group-"+nodeID)
	defer reader.Close()
	logger.Ctx(ctx).Info().Str("topic", topic).Msg("✅ Alert consumer started.")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 Alert consumer shutting down.")
				return
			}
			continue
		}
		hub.broadcast <- msg.Value
	}
}

func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	sessionMgr := session.NewManager(cfg.Infra.Redis.Addr)
	hub := newHub(sessionMgr)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8088,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				serveWs(hub, w, r)
			})
		},
		OnStart: func(ctx context.Context, appCtx bootstrap.AppCtx) error {
			go hub.run(ctx)
			go consumeAlerts(ctx, hub, cfg.Infra.Kafka.Brokers, cfg.App.Topics.Alerts)
			return nil
		},
		OnStop: func(ctx context.Context) {
			sessionMgr.Close()
		},
	})
}
