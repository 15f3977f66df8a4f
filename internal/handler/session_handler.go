// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"comms-rag-go/internal/service"
	"comms-rag-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// SessionHandler 处理与问答会话相关的 API 请求。
type SessionHandler struct {
	service service.SessionService
}

// NewSessionHandler 创建一个新的 SessionHandler。
func NewSessionHandler(service service.SessionService) *SessionHandler {
	return &SessionHandler{service: service}
}

type createSessionRequest struct {
	TargetID     string  `json:"targetId" binding:"required"`
	SystemPrompt string  `json:"systemPrompt"`
	Temperature  float64 `json:"temperature"`
}

// CreateSession 处理创建新会话的请求。
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求参数", "data": nil})
		return
	}

	claims := c.MustGet("claims").(*token.CustomClaims)
	session, err := h.service.Create(c.Request.Context(), claims.UserID, req.TargetID, req.SystemPrompt, req.Temperature)
	if err != nil {
		if errors.Is(err, service.ErrMissingAudience) {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少受众范围 targetId", "data": nil})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Failed to create session", "data": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": session})
}

// GetSession 处理获取单个会话（含消息）的请求。
func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.service.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "会话不存在", "data": nil})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Failed to retrieve session", "data": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": session})
}

// ListSessions 处理获取用户会话列表的请求。
func (h *SessionHandler) ListSessions(c *gin.Context) {
	claims := c.MustGet("claims").(*token.CustomClaims)

	sessions, err := h.service.List(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Failed to retrieve session list", "data": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": sessions})
}

// ClearSessionMessages 处理清空会话消息的请求。
func (h *SessionHandler) ClearSessionMessages(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.service.ClearMessages(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "会话不存在", "data": nil})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Failed to clear session messages", "data": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}
