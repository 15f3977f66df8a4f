// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"comms-rag-go/internal/service"
	"comms-rag-go/pkg/log"
	"comms-rag-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// errStreamStopped 表示流式响应被客户端的停止指令中断。
var errStreamStopped = errors.New("stream stopped by client")

// ChatHandler 负责处理问答请求与 WebSocket 聊天连接。
type ChatHandler struct {
	chatService   service.ChatService
	jwtManager    *token.JWTManager
	stopToken     string
	stopTokenLock sync.Mutex
	// 每连接停止标志
	stopFlags sync.Map // key: conn pointer string, value: bool
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		jwtManager:  jwtManager,
	}
}

// chatRequest 是 POST /api/v1/chat 与 WebSocket 聊天消息共用的载荷。
type chatRequest struct {
	SessionID    string   `json:"sessionId"`
	Prompt       string   `json:"prompt" binding:"required"`
	TargetID     string   `json:"targetId"`
	SystemPrompt string   `json:"systemPrompt"`
	Temperature  *float64 `json:"temperature"`
}

func (r *chatRequest) options() *service.AnswerOptions {
	if r.SystemPrompt == "" && r.Temperature == nil {
		return nil
	}
	return &service.AnswerOptions{SystemPrompt: r.SystemPrompt, Temperature: r.Temperature}
}

// Chat 处理非流式问答请求。
func (h *ChatHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求参数", "data": nil})
		return
	}

	userID := c.GetString("userID")
	answer, err := h.chatService.Answer(c.Request.Context(), req.SessionID, userID, req.Prompt, req.TargetID, req.options())
	if err != nil {
		if errors.Is(err, service.ErrMissingAudience) {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少受众范围 targetId", "data": nil})
			return
		}
		log.Errorf("处理问答请求失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "AI服务暂时不可用，请稍后重试", "data": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": answer})
}

// GetWebsocketStopToken 返回一个可用于停止流的令牌。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	// 在真实的多服务器设置中，这应该在 Redis 中生成和存储
	// 为简单起见，我们在这里使用一个单一的、轮换的令牌。
	h.stopToken = "WSS_STOP_CMD_" + token.GenerateRandomString(16)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"cmdToken": h.stopToken}})
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *ChatHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，用户: %s", claims.UserID)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		// 1) JSON 停止指令: {"type":"stop","_internal_cmd_token":"..."}
		if h.handleStopCommand(conn, message) {
			continue
		}
		// 2) 旧停止令牌：整条消息等于 stopToken（保留兼容）
		h.stopTokenLock.Lock()
		stopTokenValue := h.stopToken
		h.stopTokenLock.Unlock()
		if string(message) == stopTokenValue {
			log.Info("收到停止指令，正在中断流式响应...")
			h.stopFlags.Store(connKey(conn), true)
			continue
		}

		var req chatRequest
		if err := json.Unmarshal(message, &req); err != nil || req.Prompt == "" {
			errResp := map[string]string{"error": "无效的聊天消息"}
			b, _ := json.Marshal(errResp)
			_ = conn.WriteMessage(websocket.TextMessage, b)
			continue
		}

		// 清除旧标志后再开始流式响应
		h.stopFlags.Delete(connKey(conn))
		writer := &stopAwareWriter{conn: conn, shouldStop: func() bool {
			v, ok := h.stopFlags.Load(connKey(conn))
			return ok && v.(bool)
		}}

		err = h.chatService.StreamAnswer(c.Request.Context(), req.SessionID, claims.UserID, req.Prompt, req.TargetID, req.options(), writer)
		if err != nil && !errors.Is(err, errStreamStopped) {
			log.Errorf("处理流式响应失败: %v", err)
			errResp := map[string]string{"error": "AI服务暂时不可用，请稍后重试"}
			b, _ := json.Marshal(errResp)
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}
		// 正常结束、中断与失败都发送 completion 通知
		h.sendCompletionNotice(conn)
		if err != nil && !errors.Is(err, errStreamStopped) {
			break
		}
	}
}

// handleStopCommand 识别并处理 JSON 形式的停止指令，处理过则返回 true。
func (h *ChatHandler) handleStopCommand(conn *websocket.Conn, message []byte) bool {
	if len(message) == 0 || message[0] != '{' {
		return false
	}
	var ctrl map[string]interface{}
	if err := json.Unmarshal(message, &ctrl); err != nil {
		return false
	}
	t, ok := ctrl["type"].(string)
	if !ok || t != "stop" {
		return false
	}
	tok, ok := ctrl["_internal_cmd_token"].(string)
	if !ok {
		return false
	}

	h.stopTokenLock.Lock()
	valid := (tok == h.stopToken)
	h.stopTokenLock.Unlock()
	if !valid {
		return false
	}

	h.stopFlags.Store(connKey(conn), true)
	resp := map[string]interface{}{
		"type":      "stop",
		"message":   "响应已停止",
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(resp)
	_ = conn.WriteMessage(websocket.TextMessage, b)
	return true
}

func (h *ChatHandler) sendCompletionNotice(conn *websocket.Conn) {
	resp := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"message":   "响应已完成",
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(resp)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

// stopAwareWriter 在每次写分块前检查停止标志，置位时中断流。
type stopAwareWriter struct {
	conn       *websocket.Conn
	shouldStop func() bool
}

func (w *stopAwareWriter) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop() {
		return errStreamStopped
	}
	return w.conn.WriteMessage(messageType, data)
}

func connKey(conn *websocket.Conn) string {
	return fmt.Sprintf("%p", conn)
}
