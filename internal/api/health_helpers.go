package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const defaultProbeTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// componentHealth pings the datastore and every probe concurrently, each
// bounded by the probe timeout. Components keep their registration order.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	probes := make([]Probe, 0, 1+len(h.Probes))
	if h.Store != nil {
		probes = append(probes, Probe{Name: "datastore", Check: h.Store})
	}
	probes = append(probes, h.Probes...)

	timeout := h.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	components := make([]componentStatus, len(probes))
	var wg sync.WaitGroup
	for i, probe := range probes {
		i := i
		probe := probe
		wg.Add(1)
		go func() {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			components[i] = componentStatus{Component: probe.Name, Status: "ok"}
			if err := probe.Check.Ping(probeCtx); err != nil {
				components[i].Status = "degraded"
				components[i].Error = err.Error()
			}
		}()
	}
	wg.Wait()

	for _, component := range components {
		if component.Status != "ok" {
			return components, "degraded", http.StatusServiceUnavailable
		}
	}
	return components, "ok", http.StatusOK
}
