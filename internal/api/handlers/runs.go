package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/api/middleware"
	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/rules"
	"github.com/leozw/compliance-guardian/internal/runs"
)

type TriggerRunRequest struct {
	Period   string   `json:"period" binding:"required"`
	RuleIDs  []string `json:"rule_ids"`
	TenantID string   `json:"tenant_id"`
}

// TriggerRun evaluates the tenant's rules for one period window. Service
// callers must name the tenant; everyone else acts on their own.
func (h *Handler) TriggerRun(c *gin.Context) {
	var req TriggerRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenantID := middleware.TenantID(c)
	switch {
	case middleware.IsService(c):
		if req.TenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required for service callers"})
			return
		}
		tenantID = req.TenantID
	case req.TenantID != "" && req.TenantID != tenantID:
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot trigger runs for another tenant"})
		return
	}

	outcome, err := h.runs.Execute(c.Request.Context(), runs.Request{
		TenantID:    tenantID,
		Period:      db.Period(req.Period),
		RuleIDs:     req.RuleIDs,
		RequestedBy: requester(c),
	})
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		h.logger.Error("Failed to execute run",
			zap.String("tenant_id", tenantID),
			zap.String("period", req.Period),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, outcome)
}

func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("id")
	tenantID := middleware.TenantID(c)

	run, err := h.repo.GetRun(c.Request.Context(), runID, tenantID)
	if err != nil {
		if errors.Is(err, db.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
			return
		}
		h.logger.Error("Failed to get run", zap.String("run_id", runID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	results, err := h.repo.ListResults(c.Request.Context(), run.ID)
	if err != nil {
		h.logger.Error("Failed to list results", zap.String("run_id", runID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":     run,
		"results": results,
	})
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	tenantID := middleware.TenantID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	events, err := h.repo.ListDeadLetters(c.Request.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("Failed to list dead letters", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dead_letters": events,
		"limit":        limit,
	})
}

func requester(c *gin.Context) string {
	if v, ok := c.Get(middleware.ClaimsKey); ok {
		if claims, ok := v.(*middleware.Claims); ok && claims.Subject != "" {
			return claims.Subject
		}
	}
	return "api"
}
