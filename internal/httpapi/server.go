package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"batchd/internal/manager"
	"batchd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Submit(ctx context.Context, prompt string, maxNewTokens int) (manager.Result, error)
	Status() types.StatusResponse
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LatencyMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         corsMaxAge,
		}))
	}

	r.Post("/generate", generateHandler(svc))
	r.Get("/status", statusHandler(svc))
	r.Get("/health", healthHandler)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return r
}

// generateHandler godoc
//
//	@Summary		Generate text
//	@Description	Returns a cached output when a fresh one exists for (prompt, max_new_tokens); otherwise the request joins a batch.
//	@Tags			generate
//	@Accept			json
//	@Produce		json
//	@Param			request	body		types.GenerateRequest	true	"prompt and token budget"
//	@Success		200		{object}	types.GenerateResponse
//	@Failure		400		{object}	types.ErrorResponse
//	@Failure		415		{object}	types.ErrorResponse
//	@Failure		502		{object}	types.ErrorResponse
//	@Failure		503		{object}	types.ErrorResponse
//	@Failure		504		{object}	types.ErrorResponse
//	@Router			/generate [post]
func generateHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			IncrementRejection("content_type")
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			// oversize bodies land here too; don't leak the limit
			IncrementRejection("invalid_body")
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		n := defaultMaxNewTokens
		if req.MaxNewTokens != nil {
			n = *req.MaxNewTokens
		}

		lvl := requestLogLevel(r)
		log := zlog.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
		start := time.Now()
		if lvl >= LevelDebug {
			log.Debug().Str("prompt", req.Prompt).Int("max_new_tokens", n).Msg("generate start")
		}

		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if requestTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, requestTimeout)
			defer tcancel()
		}
		res, err := svc.Submit(ctx, req.Prompt, n)
		if err != nil {
			// client went away; nobody is listening for a body
			if r.Context().Err() != nil {
				return
			}
			status := statusFor(err)
			msg := err.Error()
			switch {
			case serverBaseCtx.Err() != nil:
				status, msg = http.StatusServiceUnavailable, manager.ErrShuttingDown.Error()
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
				status, msg = http.StatusGatewayTimeout, "request timed out"
			}
			IncrementRejection(reasonFor(status))
			writeJSONError(w, status, msg)
			if lvl >= LevelError {
				logEnd(log, status, start).Err(err).Msg("generate end")
			}
			return
		}
		writeJSON(w, http.StatusOK, types.GenerateResponse{Output: res.Output, CacheHit: res.CacheHit})
		if lvl >= LevelInfo {
			logEnd(log, http.StatusOK, start).Bool("cache_hit", res.CacheHit).Msg("generate end")
		}
	}
}

func logEnd(log zerolog.Logger, status int, start time.Time) *zerolog.Event {
	ev := log.Info()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	return ev.Int("status", status).Dur("dur", time.Since(start))
}

func reasonFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusBadGateway:
		return "backend_failure"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// statusHandler godoc
//
//	@Summary	Engine, cache and request counters
//	@Tags		ops
//	@Produce	json
//	@Success	200	{object}	types.StatusResponse
//	@Router		/status [get]
func statusHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	}
}

// healthHandler godoc
//
//	@Summary	Liveness
//	@Tags		ops
//	@Produce	json
//	@Success	200	{object}	types.HealthResponse
//	@Router		/health [get]
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ok"})
}
