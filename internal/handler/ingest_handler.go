// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"comms-rag-go/pkg/kafka"
	"comms-rag-go/pkg/log"
	"comms-rag-go/pkg/tasks"
	"comms-rag-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// IngestHandler 处理变更批次的同步接收：请求只负责投递到 Kafka，
// 真正的处理由消费端的流水线异步完成。
type IngestHandler struct{}

// NewIngestHandler 创建一个新的 IngestHandler。
func NewIngestHandler() *IngestHandler {
	return &IngestHandler{}
}

type ingestRequest struct {
	BatchID  string                `json:"batchId"`
	Messages []tasks.SourceMessage `json:"messages" binding:"required"`
}

// Ingest 接收一个变更批次并投递到 Kafka。
func (h *IngestHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的批次载荷", "data": nil})
		return
	}

	batch := tasks.ChangeBatch{
		BatchID:  req.BatchID,
		Messages: req.Messages,
	}
	if batch.BatchID == "" {
		batch.BatchID = token.GenerateRandomString(16)
	}

	if err := kafka.ProduceChangeBatch(batch); err != nil {
		log.Errorf("[IngestHandler] 投递变更批次失败: BatchID=%s, Error: %v", batch.BatchID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "批次投递失败", "data": nil})
		return
	}

	log.Infof("[IngestHandler] 变更批次已投递: BatchID=%s, 消息数=%d", batch.BatchID, len(batch.Messages))
	c.JSON(http.StatusAccepted, gin.H{
		"code":    http.StatusAccepted,
		"message": "accepted",
		"data":    gin.H{"batchId": batch.BatchID, "messageCount": len(batch.Messages)},
	})
}
