package manager

import (
	"time"

	"batchd/pkg/types"
)

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	st := m.cache.Stats()
	resp := types.StatusResponse{
		Engines: make([]types.EngineStatus, 0, len(m.engines)),
		Cache: types.CacheStatus{
			Size:       st.Size,
			Hits:       st.Hits,
			Misses:     st.Misses,
			TTLSeconds: m.cache.TTL().Seconds(),
		},
		RequestsTotal:  m.requests.Load(),
		FailuresTotal:  m.failures.Load(),
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
		ShuttingDown:   m.closing.Load(),
	}
	for _, e := range m.engines {
		resp.Engines = append(resp.Engines, types.EngineStatus{
			Name:       e.name,
			Backend:    e.backend.Name(),
			QueueDepth: e.queue.Len(),
			Workers:    e.pool.Size(),
			MinWorkers: e.pool.Min(),
			MaxWorkers: e.pool.Max(),
			Batches:    e.batches.Load(),
		})
	}
	return resp
}
