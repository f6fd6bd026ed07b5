package tracker

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/loanlens/internal/archive"
	"github.com/mbd888/loanlens/internal/events"
	"github.com/mbd888/loanlens/internal/realtime"
	"github.com/mbd888/loanlens/internal/report"
	"github.com/mbd888/loanlens/internal/session"
	"github.com/mbd888/loanlens/internal/validation"
)

// Handler provides HTTP endpoints for session tracking.
type Handler struct {
	service *Service
}

// NewHandler creates a new tracker handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the session, pattern and export routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions/:id", h.GetSession)
	r.DELETE("/sessions/:id", h.CloseSession)
	r.POST("/sessions/:id/events", h.RecordEvent)
	r.POST("/sessions/:id/phase", h.AdvancePhase)
	r.GET("/sessions/:id/analytics", h.GetAnalytics)
	r.GET("/sessions/:id/export", h.ExportSession)

	r.GET("/patterns", h.ListPatterns)
	r.GET("/patterns/:id", h.GetPattern)

	r.GET("/exports", h.ListExports)
	r.GET("/exports/:id", h.GetExport)
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	Amount          float64 `json:"amount"`
	TermDays        int     `json:"termDays"`
	Jurisdiction    string  `json:"jurisdiction"`
	ResearchConsent bool    `json:"researchConsent"`
	Anonymized      bool    `json:"anonymized"`
}

// AdvancePhaseRequest is the body of POST /v1/sessions/:id/phase.
type AdvancePhaseRequest struct {
	Phase string `json:"phase"`
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	req.Jurisdiction = validation.SanitizeString(req.Jurisdiction, 16)
	if errs := validation.Validate(
		validation.Required("jurisdiction", req.Jurisdiction),
		validation.MaxLength("jurisdiction", req.Jurisdiction, 8),
		validation.Positive("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	view, err := h.service.CreateSession(c.Request.Context(), session.CreateParams(req))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": view.ID, "session": view})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	withEvents := c.Query("events") == "true"
	view, err := h.service.GetSession(c.Request.Context(), c.Param("id"), withEvents)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": view})
}

// CloseSession handles DELETE /v1/sessions/:id
func (h *Handler) CloseSession(c *gin.Context) {
	if err := h.service.CloseSession(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RecordEvent handles POST /v1/sessions/:id/events
func (h *Handler) RecordEvent(c *gin.Context) {
	var ev events.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		badRequest(c, "Invalid event body")
		return
	}

	res, err := h.service.RecordEvent(c.Request.Context(), c.Param("id"), ev)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// AdvancePhase handles POST /v1/sessions/:id/phase
func (h *Handler) AdvancePhase(c *gin.Context) {
	var req AdvancePhaseRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Phase) == "" {
		badRequest(c, "phase is required")
		return
	}

	view, err := h.service.AdvancePhase(c.Request.Context(), c.Param("id"), req.Phase)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": view})
}

// GetAnalytics handles GET /v1/sessions/:id/analytics
func (h *Handler) GetAnalytics(c *gin.Context) {
	r, err := h.service.GetAnalytics(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": r})
}

// ExportSession handles GET /v1/sessions/:id/export?format=json|csv&compress=zstd
func (h *Handler) ExportSession(c *gin.Context) {
	mode := c.Query("compress")
	if errs := validation.Validate(validation.OneOf("compress", mode, "zstd", "none", "true", "false")); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}
	mode = strings.ToLower(mode)
	compress := mode == "zstd" || mode == "true"

	res, err := h.service.ExportSessionData(c.Request.Context(), c.Param("id"), c.Query("format"), compress)
	if err != nil {
		writeError(c, err)
		return
	}

	blob := res.Blob
	c.Header("Content-Disposition", `attachment; filename="`+blob.Filename()+`"`)
	c.Header("X-Checksum-SHA256", blob.Checksum)
	if res.ArchiveID != "" {
		c.Header("X-Export-ID", res.ArchiveID)
	}
	c.Data(http.StatusOK, blob.ContentType, blob.Data)
}

// ListPatterns handles GET /v1/patterns?category=
func (h *Handler) ListPatterns(c *gin.Context) {
	defs, err := h.service.ListPatterns(c.Query("category"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": defs, "count": len(defs)})
}

// GetPattern handles GET /v1/patterns/:id
func (h *Handler) GetPattern(c *gin.Context) {
	def, err := h.service.GetPattern(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pattern": def})
}

// ListExports handles GET /v1/exports?sessionRef=&cursor=&limit=
func (h *Handler) ListExports(c *gin.Context) {
	ref := c.Query("sessionRef")
	if ref == "" {
		badRequest(c, "sessionRef is required")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	page, err := h.service.ListExports(c.Request.Context(), ref, c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exports":    page.Exports,
		"count":      len(page.Exports),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// GetExport handles GET /v1/exports/:id
func (h *Handler) GetExport(c *gin.Context) {
	rec, err := h.service.GetExport(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	contentType := "application/json"
	if rec.Format == string(report.FormatCSV) {
		contentType = "text/csv"
	}
	name := rec.SessionRef + "." + rec.Format
	if rec.Compressed {
		contentType = "application/zstd"
		name += ".zst"
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Header("X-Checksum-SHA256", rec.Checksum)
	c.Data(http.StatusOK, contentType, rec.Data)
}

// StreamSession handles GET /ws/sessions/:id
func (h *Handler) StreamSession(hub *realtime.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, err := h.service.GetSession(c.Request.Context(), id, false); err != nil {
			writeError(c, err)
			return
		}
		hub.HandleWebSocket(c.Writer, c.Request, id)
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

// writeError maps service errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	msg := "Internal error"

	switch {
	case errors.Is(err, session.ErrValidation), errors.Is(err, report.ErrInvalidFormat):
		status, code, msg = http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, session.ErrSessionNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Session not found"
	case errors.Is(err, ErrPatternNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Pattern not found"
	case errors.Is(err, archive.ErrNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Export not found"
	case errors.Is(err, ErrArchiveDisabled):
		status, code, msg = http.StatusNotFound, "archive_disabled", err.Error()
	case errors.Is(err, session.ErrSessionClosed):
		status, code, msg = http.StatusConflict, "session_closed", err.Error()
	case errors.Is(err, session.ErrInvalidTransition):
		status, code, msg = http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, report.ErrConsentRequired):
		status, code, msg = http.StatusForbidden, "consent_required", "Session did not grant research consent"
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}
