package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openbio/exphub/internal/core"
)

// Pinger reports execution backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	queue   *core.Queue
	backend Pinger
}

func NewHealthHandler(queue *core.Queue, backend Pinger) *HealthHandler {
	return &HealthHandler{queue: queue, backend: backend}
}

func (h *HealthHandler) Health(c *gin.Context) {
	snap := h.queue.Snapshot()

	backendStatus := "ok"
	if h.backend != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.backend.Ping(ctx); err != nil {
			backendStatus = "unreachable"
		}
	}

	status := http.StatusOK
	if backendStatus != "ok" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":  "ok",
		"backend": backendStatus,
		"queued":  snap.Stats.Queued,
		"running": snap.Stats.Running,
		"paused":  snap.Stats.Paused,
	})
}

func (h *HealthHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Health)
}
