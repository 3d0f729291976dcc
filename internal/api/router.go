package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wonny/allocator/internal/api/handlers"
	"github.com/wonny/allocator/pkg/logger"
)

// Handlers groups the endpoint handlers mounted by NewRouter
type Handlers struct {
	Portfolio *handlers.PortfolioHandler
	Goal      *handlers.GoalHandler
	Markowitz *handlers.MarkowitzHandler
	Metrics   http.Handler // Optional: Prometheus exposition
}

// NewRouter creates and configures the HTTP router
// ⭐ SSOT: 라우팅 설정은 이 함수에서만
func NewRouter(h Handlers, log *logger.Logger) http.Handler {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", healthCheckHandler).Methods("GET")
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics).Methods("GET")
	}

	// Portfolio endpoints
	// 서브라우터는 메서드 불일치를 404로 반환 → 전체 경로로 등록해 405 유지
	r.HandleFunc("/api/universe", h.Portfolio.GetUniverse).Methods("GET")
	r.HandleFunc("/api/portfolios/calculate", h.Portfolio.Calculate).Methods("POST")
	r.HandleFunc("/api/portfolios/sweep", h.Portfolio.Sweep).Methods("POST")
	r.HandleFunc("/api/portfolios/{settingsID}/latest", h.Portfolio.GetLatest).Methods("GET")

	// Markowitz scale
	r.HandleFunc("/api/markowitz/scale", h.Markowitz.GetScale).Methods("GET")
	r.HandleFunc("/api/markowitz/calibrate", h.Markowitz.Calibrate).Methods("POST")

	// Goals
	r.HandleFunc("/api/goals/{goalID}/rebalance", h.Goal.Rebalance).Methods("POST")

	// Apply middleware
	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

// healthCheckHandler returns server health status
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "allocator-api",
	})
}

// statusRecorder captures the response code for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// Call next handler
			next.ServeHTTP(rec, r)

			// Log request
			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error": "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
