package notifications

import (
	"net/http"
	"strings"
	"time"

	"eventhub/internal/common"
	"eventhub/internal/notification"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocketHandler 订阅操作进度、实例状态与通知广播
type WebSocketHandler struct {
	hub      *notification.Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建处理器
func NewWebSocketHandler(hub *notification.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ValidTopic 只允许订阅已知前缀的主题
func ValidTopic(topic string) bool {
	if topic == notification.TopicNotices {
		return true
	}
	for _, prefix := range []string{notification.OperationTopic(""), notification.InstanceTopic("")} {
		if strings.HasPrefix(topic, prefix) && len(topic) > len(prefix) {
			return true
		}
	}
	return false
}

// Connect 升级连接并订阅主题
// @Summary 订阅实时事件
// @Tags Notifications
// @Param topic query string true "operation:<id> / instance:<id> / notices"
// @Router /api/v1/ws [get]
func (h *WebSocketHandler) Connect(c *gin.Context) {
	if h == nil || h.hub == nil {
		common.ResponseError(c, common.CodeServiceUnavailable, "WebSocket 服务未就绪")
		return
	}
	topic := strings.TrimSpace(c.Query("topic"))
	if !ValidTopic(topic) {
		common.ResponseBadRequest(c, "无效的订阅主题: "+topic)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	})

	_ = conn.WriteJSON(gin.H{
		"type":  "connected",
		"topic": topic,
	})
	h.hub.Register(topic, conn)

	go h.readLoop(topic, conn)
}

func (h *WebSocketHandler) readLoop(topic string, conn *websocket.Conn) {
	defer h.hub.Unregister(topic, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
