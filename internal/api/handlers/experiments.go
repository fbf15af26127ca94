package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openbio/exphub/internal/api/middleware"
	"github.com/openbio/exphub/internal/archive"
	"github.com/openbio/exphub/internal/core"
)

type SubmitRequest struct {
	ScriptContent string `json:"script_content" binding:"required"`
}

type ExperimentResponse struct {
	ExperimentID  string     `json:"experiment_id"`
	Status        string     `json:"status"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
}

type QueueStatusResponse struct {
	TotalQueued          int              `json:"total_queued"`
	TotalRunning         int              `json:"total_running"`
	TotalPaused          int              `json:"total_paused"`
	EstimatedWaitMinutes int              `json:"estimated_wait_minutes"`
	Queue                []QueueEntryView `json:"queue"`
}

type QueueEntryView struct {
	ExperimentID string    `json:"experiment_id"`
	SubmitterID  string    `json:"submitter_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

type ReorderRequest struct {
	Position *int `json:"position" binding:"required"`
}

// SandboxStopper lets the cancel handler signal the scheduler to tear down
// the running container; the queue state flip stays authoritative either way.
type SandboxStopper interface {
	StopExperiment(id string)
}

type ExperimentHandler struct {
	queue     *core.Queue
	stopper   SandboxStopper
	artifacts *archive.Manager
}

func NewExperimentHandler(queue *core.Queue, stopper SandboxStopper, artifacts *archive.Manager) *ExperimentHandler {
	return &ExperimentHandler{
		queue:     queue,
		stopper:   stopper,
		artifacts: artifacts,
	}
}

func (h *ExperimentHandler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "script_content is required"})
		return
	}

	submitterID := middleware.SessionID(c)
	id, position, err := h.queue.Enqueue(submitterID, req.ScriptContent)
	if err != nil {
		respondQueueError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"experiment_id":  id,
		"status":         "queued",
		"queue_position": position,
		"message":        "experiment added to queue",
	})
}

func (h *ExperimentHandler) Status(c *gin.Context) {
	rec, err := h.queue.Get(c.Param("id"))
	if err != nil {
		respondQueueError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"experiment": recordToResponse(rec)})
}

func (h *ExperimentHandler) ListForUser(c *gin.Context) {
	records := h.queue.ListForSubmitter(middleware.SessionID(c))

	responses := make([]ExperimentResponse, 0, len(records))
	for _, rec := range records {
		responses = append(responses, recordToResponse(rec))
	}
	c.JSON(http.StatusOK, gin.H{"experiments": responses})
}

func (h *ExperimentHandler) QueueStatus(c *gin.Context) {
	snap := h.queue.Snapshot()

	entries := make([]QueueEntryView, 0, len(snap.Queue))
	for _, e := range snap.Queue {
		entries = append(entries, QueueEntryView{
			ExperimentID: e.ID,
			SubmitterID:  e.SubmitterID,
			Status:       string(e.Status),
			CreatedAt:    e.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, QueueStatusResponse{
		TotalQueued:          snap.Stats.Queued,
		TotalRunning:         snap.Stats.Running,
		TotalPaused:          snap.Stats.Paused,
		EstimatedWaitMinutes: snap.EstimatedWaitMinutes,
		Queue:                entries,
	})
}

func (h *ExperimentHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !h.mayControl(c, id) {
		return
	}

	wasRunning, err := h.queue.Cancel(id)
	if err != nil {
		respondQueueError(c, err)
		return
	}

	if wasRunning && h.stopper != nil {
		h.stopper.StopExperiment(id)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("experiment %s cancelled", id)})
}

func (h *ExperimentHandler) Pause(c *gin.Context) {
	id := c.Param("id")
	if !h.mayControl(c, id) {
		return
	}

	if err := h.queue.Pause(id); err != nil {
		respondQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("experiment %s paused", id)})
}

func (h *ExperimentHandler) Resume(c *gin.Context) {
	id := c.Param("id")
	if !h.mayControl(c, id) {
		return
	}

	if err := h.queue.Resume(id); err != nil {
		respondQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("experiment %s resumed", id)})
}

func (h *ExperimentHandler) Reorder(c *gin.Context) {
	var req ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "position is required"})
		return
	}

	id := c.Param("id")
	if err := h.queue.Reorder(id, *req.Position); err != nil {
		respondQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("experiment %s moved to position %d", id, *req.Position)})
}

func (h *ExperimentHandler) RunNow(c *gin.Context) {
	id := c.Param("id")
	if err := h.queue.RunNow(id); err != nil {
		respondQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("experiment %s will run next", id)})
}

func (h *ExperimentHandler) Logs(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.queue.Get(id); err != nil {
		respondQueueError(c, err)
		return
	}

	logs, err := h.artifacts.Logs(id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"logs": "no logs captured yet"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *ExperimentHandler) Results(c *gin.Context) {
	id := c.Param("id")

	files, err := h.artifacts.ListResults(id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "experiment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list results"})
		return
	}

	resp := gin.H{
		"experiment_id": id,
		"output_files":  files,
	}
	if rec, err := h.queue.Get(id); err == nil && rec.ExitCode != nil {
		resp["exit_code"] = *rec.ExitCode
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ExperimentHandler) Download(c *gin.Context) {
	id := c.Param("id")

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="experiment_%s_results.zip"`, id))

	if err := h.artifacts.WriteZip(c.Writer, id); err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "experiment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build results archive"})
	}
}

// mayControl enforces ownership: a session may control its own experiments,
// an admin any of them. Writes the error response itself when denied.
func (h *ExperimentHandler) mayControl(c *gin.Context, id string) bool {
	if middleware.IsAdmin(c) {
		return true
	}

	rec, err := h.queue.Get(id)
	if err != nil {
		respondQueueError(c, err)
		return false
	}

	if rec.SubmitterID != middleware.SessionID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "experiment belongs to another session"})
		return false
	}
	return true
}

func respondQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "experiment not found"})
	case errors.Is(err, core.ErrQuotaExceeded):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func recordToResponse(rec core.ExperimentRecord) ExperimentResponse {
	resp := ExperimentResponse{
		ExperimentID: rec.ID,
		Status:       string(rec.Status),
		ExitCode:     rec.ExitCode,
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
	}
	if rec.QueuePosition > 0 {
		pos := rec.QueuePosition
		resp.QueuePosition = &pos
	}
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		d := rec.CompletedAt.Sub(*rec.StartedAt).Milliseconds()
		resp.DurationMS = &d
	}
	return resp
}

func (h *ExperimentHandler) RegisterRoutes(r *gin.RouterGroup, admin *middleware.Admin) {
	r.POST("/experiments", h.Submit)
	r.GET("/experiments/user", h.ListForUser)
	r.GET("/experiments/:id/status", h.Status)
	r.GET("/experiments/:id/logs", h.Logs)
	r.GET("/experiments/:id/results", h.Results)
	r.GET("/experiments/:id/download", h.Download)
	r.GET("/queue/status", h.QueueStatus)

	control := r.Group("")
	if admin != nil {
		control.Use(admin.OptionalAdmin())
	}
	control.POST("/experiments/:id/cancel", h.Cancel)
	control.POST("/experiments/:id/pause", h.Pause)
	control.POST("/experiments/:id/resume", h.Resume)

	operator := r.Group("")
	if admin != nil {
		operator.Use(admin.RequireAdmin())
	}
	operator.POST("/experiments/:id/reorder", h.Reorder)
	operator.POST("/experiments/:id/run-now", h.RunNow)
}
