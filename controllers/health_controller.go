package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ChatStats exposes the live connection counts of the hub.
type ChatStats interface {
	Clients() int
	Rooms() map[string]int
}

type dependencyStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type HealthController struct {
	deps      map[string]Pinger
	stats     ChatStats
	startedAt time.Time
}

// NewHealthController checks every dependency in deps by name.
func NewHealthController(deps map[string]Pinger, stats ChatStats) *HealthController {
	return &HealthController{deps: deps, stats: stats, startedAt: time.Now()}
}

// Check godoc
// @Summary Service health
// @Description Pings the storage dependencies and reports live connection and room counts
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{} "All dependencies reachable"
// @Failure 503 {object} map[string]interface{} "A dependency is unreachable"
// @Router /healthz [get]
func (hc *HealthController) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	allOK := true
	statuses := make(gin.H, len(hc.deps))
	for name, dep := range hc.deps {
		status := dependencyStatus{OK: true}
		if err := dep.Ping(ctx); err != nil {
			status = dependencyStatus{OK: false, Message: err.Error()}
			allOK = false
		}
		statuses[name] = status
	}

	statusCode := http.StatusOK
	if !allOK {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"uptime_sec":   int(time.Since(hc.startedAt).Seconds()),
		"clients":      hc.stats.Clients(),
		"rooms":        hc.stats.Rooms(),
		"dependencies": statuses,
	})
}
