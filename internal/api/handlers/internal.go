package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handler) ProcessOutbox(c *gin.Context) {
	summary, err := h.outbox.ProcessBatch(c.Request.Context())
	if err != nil {
		h.logger.Error("Outbox batch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Outbox batch failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) ProcessIntegrations(c *gin.Context) {
	summary, err := h.integrations.ProcessBatch(c.Request.Context())
	if err != nil {
		h.logger.Error("Integration batch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Integration batch failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) RunScheduler(c *gin.Context) {
	summary, err := h.scheduler.RunOnce(c.Request.Context())
	if err != nil {
		h.logger.Error("Scheduler pass failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Scheduler pass failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
