package models

import "time"

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthSnapshot is the outcome of the most recent dependency check.
type HealthSnapshot struct {
	Status        HealthStatus    `json:"status"`
	PerDependency map[string]bool `json:"services"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	LastCheckAt   time.Time       `json:"last_check"`
	ErrorCount    int             `json:"error_count"`
	WarningCount  int             `json:"warning_count"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (h HealthSnapshot) Clone() HealthSnapshot {
	deps := make(map[string]bool, len(h.PerDependency))
	for k, v := range h.PerDependency {
		deps[k] = v
	}
	h.PerDependency = deps
	return h
}
