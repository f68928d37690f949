package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/renderflow/broker/internal/domain"
)

// pingable is satisfied by every collaborator the readiness check probes.
type pingable interface {
	Ping(ctx context.Context) error
}

// DependencyCheck is one named readiness probe.
type DependencyCheck struct {
	Name string
	ping pingable
}

// BuildReadinessChecks wires one probe per broker dependency, grounded on the
// teacher's db/qdrant/tika breakdown but reporting the job store, tier queue
// backend, and object store instead (SPEC_FULL.md §4).
func BuildReadinessChecks(jobs domain.JobStore, queue domain.TierQueueBus, storage domain.StorageClient) []DependencyCheck {
	return []DependencyCheck{
		{Name: "job_store", ping: jobs},
		{Name: "tier_queue", ping: queue},
		{Name: "object_store", ping: storage},
	}
}

type readinessResult struct {
	Status string                    `json:"status"`
	Checks map[string]dependencyView `json:"checks"`
}

type dependencyView struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ReadyzHandler reports per-dependency health so an operator can tell which
// collaborator is down instead of a single boolean.
func ReadyzHandler(checks []DependencyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		result := readinessResult{Status: "ok", Checks: map[string]dependencyView{}}
		for _, c := range checks {
			if err := c.ping.Ping(ctx); err != nil {
				result.Status = "degraded"
				result.Checks[c.Name] = dependencyView{OK: false, Error: err.Error()}
				continue
			}
			result.Checks[c.Name] = dependencyView{OK: true}
		}

		w.Header().Set("Content-Type", "application/json")
		if result.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(result)
	}
}

// HealthzHandler is a liveness probe: the process can answer HTTP at all.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
