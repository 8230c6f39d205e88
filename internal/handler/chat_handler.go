package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"imob-leads-go/internal/service"
	"imob-leads-go/pkg/log"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源，嵌入第三方站点的聊天窗口需要跨域
		},
	}
)

// ChatHandler 通过 WebSocket 驱动一个已创建的会话：每个文本帧是一条用户输入。
type ChatHandler struct {
	service service.ConversationService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(service service.ConversationService) *ChatHandler {
	return &ChatHandler{service: service}
}

// chatFrame 是服务端回发的一帧。
type chatFrame struct {
	Type      string      `json:"type"` // "session" | "turn" | "error"
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Handle 处理一个传入的 WebSocket 连接，路径为 /chat/:id。
func (h *ChatHandler) Handle(c *gin.Context) {
	id := c.Param("id")
	view, err := h.service.GetSession(c.Request.Context(), id)
	if err != nil {
		writeSessionError(c, "Chat", err, nil)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，会话: %s", id)
	if err := writeFrame(conn, chatFrame{Type: "session", Data: view}); err != nil {
		return
	}

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		res, err := h.service.Submit(c.Request.Context(), id, string(message))
		if err != nil {
			_, msg := sessionErrorStatus(err)
			log.Errorf("处理会话消息失败: session=%s, err=%v", id, err)
			frame := chatFrame{Type: "error", Message: msg}
			if res != nil {
				frame.Data = res
			}
			if werr := writeFrame(conn, frame); werr != nil {
				return
			}
			if res == nil {
				return
			}
			continue
		}
		if err := writeFrame(conn, chatFrame{Type: "turn", Data: res}); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, frame chatFrame) error {
	frame.Timestamp = time.Now().UnixMilli()
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Warnf("写入 WebSocket 消息失败: %v", err)
		return err
	}
	return nil
}
