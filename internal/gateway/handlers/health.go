package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const checkTimeout = 2 * time.Second

// Check tests one dependency.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  int64             `json:"uptime_seconds"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthHandler runs every check in parallel under a shared timeout. Any
// failure reports "degraded" with a 503 so the supervisor restarts or alerts.
func HealthHandler(version string, started time.Time, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: version,
			Uptime:  int64(time.Since(started) / time.Second),
		}
		if len(checks) == 0 {
			SendJSON(w, http.StatusOK, resp)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		var mu sync.Mutex
		resp.Checks = make(map[string]string, len(checks))
		var g errgroup.Group
		for _, c := range checks {
			g.Go(func() error {
				result := "ok"
				if err := c.Run(ctx); err != nil {
					result = err.Error()
				}
				mu.Lock()
				resp.Checks[c.Name] = result
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		code := http.StatusOK
		for _, result := range resp.Checks {
			if result != "ok" {
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				break
			}
		}
		SendJSON(w, code, resp)
	}
}
