package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthChecker reports on the connections the tracker depends on.
type HealthChecker struct {
	checks map[string]func() error
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]func() error)}
}

// AddCheck registers a dependency check. A nil error means the dependency is up.
func (h *HealthChecker) AddCheck(name string, check func() error) {
	h.checks[name] = check
}

func (h *HealthChecker) Register(r *gin.Engine) {
	r.GET("/healthz", h.Handle)
}

func (h *HealthChecker) Handle(c *gin.Context) {
	status := http.StatusOK
	deps := gin.H{}

	for name, check := range h.checks {
		if err := check(); err != nil {
			deps[name] = gin.H{"status": "down", "error": err.Error()}
			status = http.StatusServiceUnavailable
		} else {
			deps[name] = gin.H{"status": "up"}
		}
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "unhealthy"
	}

	resp := gin.H{"status": overall}
	if len(deps) > 0 {
		resp["dependencies"] = deps
	}
	c.JSON(status, resp)
}
