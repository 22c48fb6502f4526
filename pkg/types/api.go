package types

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	// Required prompt text to generate a completion for.
	// example: Hello
	Prompt string `json:"prompt" example:"Hello"`
	// Maximum number of new tokens to generate. Defaults to the server's
	// default_max_new_tokens when omitted.
	// example: 20
	MaxNewTokens *int `json:"max_new_tokens,omitempty" example:"20"`
}

// GenerateResponse is returned by POST /generate.
type GenerateResponse struct {
	// Generated text, without the prompt.
	// example: world, how are you?
	Output string `json:"output" example:"world, how are you?"`
	// True when the output came from the result cache.
	// example: false
	CacheHit bool `json:"cache_hit" example:"false"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	// example: ok
	Status string `json:"status" example:"ok"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// EngineStatus summarizes one backend's queue and worker pool for /status.
type EngineStatus struct {
	// Engine name from configuration.
	// example: sim-0
	Name string `json:"name" example:"sim-0"`
	// Backend implementation behind the engine.
	// example: sim
	Backend string `json:"backend" example:"sim"`
	// Requests admitted but not yet taken by a worker.
	// example: 3
	QueueDepth int `json:"queue_depth" example:"3"`
	// Active batch workers.
	// example: 2
	Workers int `json:"workers" example:"2"`
	// Worker pool bounds.
	// example: 1
	MinWorkers int `json:"min_workers" example:"1"`
	// example: 4
	MaxWorkers int `json:"max_workers" example:"4"`
	// Batches dispatched to the backend so far.
	// example: 120
	Batches int64 `json:"batches" example:"120"`
}

// CacheStatus summarizes the result cache for /status.
type CacheStatus struct {
	// example: 42
	Size int `json:"size" example:"42"`
	// example: 17
	Hits int64 `json:"hits" example:"17"`
	// example: 80
	Misses int64 `json:"misses" example:"80"`
	// Entry time-to-live in seconds.
	// example: 300
	TTLSeconds float64 `json:"ttl_seconds" example:"300"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// One entry per configured backend.
	Engines []EngineStatus `json:"engines"`
	Cache   CacheStatus    `json:"cache"`
	// Requests accepted by Submit, including cache hits.
	// example: 97
	RequestsTotal uint64 `json:"requests_total" example:"97"`
	// Requests that failed after admission.
	// example: 2
	FailuresTotal uint64 `json:"failures_total" example:"2"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// True once Close has begun.
	ShuttingDown bool `json:"shutting_down"`
}
