package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coursebridge/completion-backend/internal/logger"
	pkgerrors "github.com/coursebridge/completion-backend/internal/pkg/errors"
	"github.com/coursebridge/completion-backend/internal/requestdata"
	"github.com/coursebridge/completion-backend/internal/services"
)

type CompletionHandler struct {
	log               *logger.Logger
	completionService services.CompletionService
}

func NewCompletionHandler(log *logger.Logger, completionService services.CompletionService) *CompletionHandler {
	return &CompletionHandler{
		log:               log.With("handler", "CompletionHandler"),
		completionService: completionService,
	}
}

func (h *CompletionHandler) GetCourseCompletion(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	courseKey := c.Param("courseKey")
	summary, err := h.completionService.GetCourseCompletion(c.Request.Context(), rd.UserID, courseKey)
	if err != nil {
		h.respondServiceError(c, "load_course_completion_failed", err, rd.UserID, courseKey)
		return
	}
	RespondOK(c, summary)
}

func (h *CompletionHandler) GetBlockCompletion(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	courseKey := c.Param("courseKey")
	blockKey := c.Param("blockKey")
	summary, err := h.completionService.GetBlockCompletion(c.Request.Context(), rd.UserID, courseKey, blockKey)
	if err != nil {
		h.respondServiceError(c, "load_block_completion_failed", err, rd.UserID, courseKey)
		return
	}
	RespondOK(c, summary)
}

type markStaleRequest struct {
	CourseKey string  `json:"course_key" binding:"required"`
	BlockKey  *string `json:"block_key"`
	Force     bool    `json:"force"`
}

// MarkStale lets trusted callers report a completion change directly instead
// of through the redis event channel.
func (h *CompletionHandler) MarkStale(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	var req markStaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.completionService.MarkStale(c.Request.Context(), rd.UserID, req.CourseKey, req.BlockKey, req.Force); err != nil {
		h.log.Error("MarkStale failed", "error", err, "user_id", rd.UserID, "course_key", req.CourseKey)
		RespondError(c, http.StatusInternalServerError, "mark_stale_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type reaggregateRequest struct {
	CourseKey string      `json:"course_key" binding:"required"`
	UserIDs   []uuid.UUID `json:"user_ids"`
}

func (h *CompletionHandler) Reaggregate(c *gin.Context) {
	var req reaggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	marked, err := h.completionService.TriggerReaggregation(c.Request.Context(), req.CourseKey, req.UserIDs)
	if err != nil {
		h.log.Error("Reaggregate failed", "error", err, "course_key", req.CourseKey)
		RespondError(c, http.StatusInternalServerError, "reaggregate_failed", err)
		return
	}
	RespondOK(c, gin.H{"marked": marked})
}

func (h *CompletionHandler) respondServiceError(c *gin.Context, code string, err error, userID uuid.UUID, courseKey string) {
	switch {
	case errors.Is(err, pkgerrors.ErrCourseNotFound):
		RespondError(c, http.StatusNotFound, "course_not_found", err)
	case errors.Is(err, pkgerrors.ErrUnknownBlockType), errors.Is(err, pkgerrors.ErrMalformedTree):
		h.log.Error("Completion read failed on course structure", "error", err, "user_id", userID, "course_key", courseKey)
		RespondError(c, http.StatusUnprocessableEntity, code, err)
	default:
		h.log.Error("Completion read failed", "error", err, "user_id", userID, "course_key", courseKey)
		RespondError(c, http.StatusInternalServerError, code, err)
	}
}
