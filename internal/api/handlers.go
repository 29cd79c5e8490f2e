package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/patterns"
	"github.com/quantpilot/rollout-engine/internal/services"
	"github.com/quantpilot/rollout-engine/internal/store"
	"github.com/quantpilot/rollout-engine/internal/utils"
)

// ErrorResponse is the JSON error envelope returned by every handler.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ApprovalRequest carries a human sign-off for a parked test.
type ApprovalRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

// EmergencyStopRequest triggers an immediate rollback of a test.
type EmergencyStopRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

// Handlers holds the HTTP handlers for the rollout engine API.
type Handlers struct {
	logger *slog.Logger
	svc    *services.RolloutService
}

// NewHandlers creates handlers backed by the given service.
func NewHandlers(logger *slog.Logger, svc *services.RolloutService) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{logger: logger, svc: svc}
}

// Router builds the gin engine with all API routes registered.
func (h *Handlers) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", h.HandleHealth)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/suggestions", h.HandleSubmitSuggestion)
		v1.GET("/suggestions/pending", h.HandlePendingSuggestions)
		v1.GET("/tests/active", h.HandleActiveTests)
		v1.GET("/tests/:id", h.HandleGetTest)
		v1.POST("/tests/:id/approve", h.HandleApproveTest)
		v1.POST("/tests/:id/emergency-stop", h.HandleEmergencyStop)
		v1.GET("/pipeline/status", h.HandlePipelineStatus)
		v1.GET("/pipeline/config", h.HandleGetConfig)
		v1.PUT("/pipeline/config", h.HandleUpdateConfig)
		v1.GET("/pipeline/audit", h.HandleAudit)
		v1.GET("/reports/categories", h.HandleCategoryReport)
		v1.GET("/reports/rollback-patterns", h.HandleRollbackPatterns)
	}
	return router
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleSubmitSuggestion handles POST /api/v1/suggestions.
func (h *Handlers) HandleSubmitSuggestion(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSubmitSuggestion")

	var sug models.Suggestion
	if err := c.ShouldBindJSON(&sug); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	stored, err := h.svc.SubmitSuggestion(c.Request.Context(), &sug)
	if err != nil {
		h.writeError(c, logger, err)
		return
	}

	logger.Info("suggestion accepted", "suggestion_id", stored.ID, "score", stored.PriorityScore)
	c.JSON(http.StatusCreated, stored)
}

// HandlePendingSuggestions handles GET /api/v1/suggestions/pending.
func (h *Handlers) HandlePendingSuggestions(c *gin.Context) {
	logger := h.requestLogger(c, "HandlePendingSuggestions")

	pending, err := h.svc.PendingSuggestions(c.Request.Context())
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	if pending == nil {
		pending = []*models.Suggestion{}
	}
	c.JSON(http.StatusOK, pending)
}

// HandleActiveTests handles GET /api/v1/tests/active.
func (h *Handlers) HandleActiveTests(c *gin.Context) {
	logger := h.requestLogger(c, "HandleActiveTests")

	tests, err := h.svc.ActiveTests(c.Request.Context())
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	if tests == nil {
		tests = []*models.ImprovementTest{}
	}
	c.JSON(http.StatusOK, tests)
}

// HandleGetTest handles GET /api/v1/tests/:id.
func (h *Handlers) HandleGetTest(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetTest")

	test, err := h.svc.GetTest(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, test)
}

// HandleApproveTest handles POST /api/v1/tests/:id/approve.
func (h *Handlers) HandleApproveTest(c *gin.Context) {
	logger := h.requestLogger(c, "HandleApproveTest")

	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	test, err := h.svc.ApproveTest(c.Request.Context(), c.Param("id"), req.Approver, req.Reason)
	if err != nil {
		h.writeError(c, logger, err)
		return
	}

	logger.Info("test approved", "test_id", test.ID, "approver", req.Approver, "phase", test.Phase)
	c.JSON(http.StatusOK, test)
}

// HandleEmergencyStop handles POST /api/v1/tests/:id/emergency-stop.
func (h *Handlers) HandleEmergencyStop(c *gin.Context) {
	logger := h.requestLogger(c, "HandleEmergencyStop")

	var req EmergencyStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	test, err := h.svc.EmergencyStop(c.Request.Context(), c.Param("id"), req.Operator, req.Reason)
	if err != nil {
		h.writeError(c, logger, err)
		return
	}

	logger.Warn("emergency stop executed", "test_id", test.ID, "operator", req.Operator)
	c.JSON(http.StatusOK, test)
}

// HandlePipelineStatus handles GET /api/v1/pipeline/status.
func (h *Handlers) HandlePipelineStatus(c *gin.Context) {
	logger := h.requestLogger(c, "HandlePipelineStatus")

	status, err := h.svc.PipelineStatus(c.Request.Context())
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// HandleGetConfig handles GET /api/v1/pipeline/config.
func (h *Handlers) HandleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Settings())
}

// HandleUpdateConfig handles PUT /api/v1/pipeline/config.
func (h *Handlers) HandleUpdateConfig(c *gin.Context) {
	logger := h.requestLogger(c, "HandleUpdateConfig")

	cfg := h.svc.Settings()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	if err := h.svc.UpdateSettings(cfg); err != nil {
		h.writeError(c, logger, err)
		return
	}

	logger.Info("pipeline settings updated")
	c.JSON(http.StatusOK, h.svc.Settings())
}

// HandleAudit handles GET /api/v1/pipeline/audit.
func (h *Handlers) HandleAudit(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAudit")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: "INVALID_REQUEST"})
			return
		}
		limit = parsed
	}

	events, err := h.svc.RecentAudit(limit)
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	c.JSON(http.StatusOK, events)
}

// HandleCategoryReport handles GET /api/v1/reports/categories.
func (h *Handlers) HandleCategoryReport(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCategoryReport")

	outcomes, err := h.svc.CategoryOutcomes(c.Request.Context())
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, outcomes)
}

// HandleRollbackPatterns handles GET /api/v1/reports/rollback-patterns.
func (h *Handlers) HandleRollbackPatterns(c *gin.Context) {
	logger := h.requestLogger(c, "HandleRollbackPatterns")

	mined, err := h.svc.RollbackPatterns(c.Request.Context())
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	if mined == nil {
		mined = []patterns.RollbackPattern{}
	}
	c.JSON(http.StatusOK, mined)
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return h.logger.With("request_id", requestID, "handler", handler)
}

func (h *Handlers) writeError(c *gin.Context, logger *slog.Logger, err error) {
	if store.ErrNotFound(err) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
		return
	}

	switch utils.KindOf(err) {
	case utils.KindValidation:
		logger.Warn("request rejected", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
	case utils.KindInvariant:
		logger.Warn("conflicting operation", "error", err)
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "CONFLICT"})
	case utils.KindDependency:
		logger.Error("upstream failure", "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "UPSTREAM_UNAVAILABLE"})
	default:
		logger.Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INTERNAL"})
	}
}
