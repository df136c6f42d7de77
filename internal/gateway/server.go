// Package gateway implements the presign gateway: a stateless HTTP
// service that authenticates crawler instances, checks archive
// existence and issues time-limited write URLs against the object
// store. It holds no cross-request state beyond the store itself, so it
// is safe under concurrent requests from many independent crawlers.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ikkem-lin/papercrawl/internal/metrics"
	"github.com/ikkem-lin/papercrawl/internal/objectstore"
)

// DefaultPresignExpiry is how long an issued write URL stays valid.
const DefaultPresignExpiry = 15 * time.Minute

// doiPattern is the expected identifier shape, with the path separator
// already flattened to an underscore (e.g. "10.1234_ab.cd"). It is a
// substring test, not a full match: registered identifiers carry
// suffix characters beyond word class, hyphens most commonly, and only
// the "10.<registrant>_" prefix plus the start of the suffix is fixed.
var doiPattern = regexp.MustCompile(`10\.\d+_[\w.]+`)

// Config controls gateway behavior.
type Config struct {
	// Accounts maps account names to passwords. Authentication failures
	// are non-retryable by contract: retrying the same credential can
	// never succeed.
	Accounts      map[string]string
	PresignExpiry time.Duration
	// RatePerAccount throttles presign requests per account; zero
	// disables throttling.
	RatePerAccount float64
	RateBurst      int
}

// Server wires the HTTP handlers to the object store.
type Server struct {
	router   chi.Router
	store    objectstore.Store
	cfg      Config
	logger   *zap.Logger
	limiters sync.Map
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store objectstore.Store, cfg Config, logger *zap.Logger) *Server {
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = DefaultPresignExpiry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	s := &Server{store: store, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/presignedPutObject", s.presignedPutObject)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, presignResponse{Error: "Nothing here", Reload: true})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// presignResponse is the single JSON envelope of the gateway. Reload
// tells the caller whether retrying later could help: true for
// environmental/auth trouble, false for malformed identifiers and
// conflicts that a blind retry can never fix.
type presignResponse struct {
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
	Reload bool   `json:"reload"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) presignedPutObject(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	doi := q.Get("doi")
	fileName := q.Get("file_name")
	account := q.Get("account")
	pass := q.Get("pass")

	if !s.authenticate(account, pass) {
		metrics.ObservePresignDecision(metrics.DecisionAuthFailed)
		writeBody(w, presignResponse{Error: "Error user info!", Reload: true})
		return
	}
	if !s.allowAccount(account) {
		metrics.ObservePresignDecision(metrics.DecisionError)
		writeBody(w, presignResponse{Error: "Too many requests", Reload: true})
		return
	}
	if doi == "" || fileName == "" {
		metrics.ObservePresignDecision(metrics.DecisionBadRequest)
		writeBody(w, presignResponse{Error: "Missing doi or file_name", Reload: true})
		return
	}
	if !doiPattern.MatchString(doi) {
		metrics.ObservePresignDecision(metrics.DecisionBadDOI)
		writeBody(w, presignResponse{Error: "Unexcepted doi", Reload: false})
		return
	}

	key := ObjectKey(doi, fileName)

	// Existence check and URL issuance form one read-then-decide step
	// per request. The orchestrator serializes its own two artifact
	// requests, and cross-convention conflicts are resolved on its
	// side, so the gateway needs no locking here.
	exists, err := s.store.Exists(r.Context(), key)
	if err != nil {
		s.logger.Error("existence check failed", zap.String("key", key), zap.Error(err))
		metrics.ObservePresignDecision(metrics.DecisionError)
		writeBody(w, presignResponse{Error: "Storage unavailable", Reload: true})
		return
	}
	if exists {
		metrics.ObservePresignDecision(metrics.DecisionConflict)
		writeBody(w, presignResponse{Error: "doi and file have existed", Reload: false})
		return
	}

	url, err := s.store.PresignPut(r.Context(), key, s.cfg.PresignExpiry)
	if err != nil {
		s.logger.Error("presign failed", zap.String("key", key), zap.Error(err))
		metrics.ObservePresignDecision(metrics.DecisionError)
		writeBody(w, presignResponse{Error: "Storage unavailable", Reload: true})
		return
	}

	s.logger.Info("presigned put issued",
		zap.String("account", account),
		zap.String("key", key),
		zap.Duration("expiry", s.cfg.PresignExpiry),
	)
	metrics.ObservePresignDecision(metrics.DecisionIssued)
	writeBody(w, presignResponse{URL: url, Reload: false})
}

func (s *Server) authenticate(account, pass string) bool {
	if account == "" || len(s.cfg.Accounts) == 0 {
		return false
	}
	expected, ok := s.cfg.Accounts[account]
	return ok && expected == pass
}

func (s *Server) allowAccount(account string) bool {
	if s.cfg.RatePerAccount <= 0 {
		return true
	}
	burst := s.cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	val, _ := s.limiters.LoadOrStore(account, rate.NewLimiter(rate.Limit(s.cfg.RatePerAccount), burst))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return true
	}
	return limiter.Allow()
}

// ObjectKey derives the storage key from an identifier and file name.
// Only the first underscore is a flattened path separator; the rest of
// the identifier is kept verbatim so the transform stays reversible.
func ObjectKey(doi, fileName string) string {
	return strings.Replace(doi, "_", "/", 1) + "/" + fileName
}

func writeBody(w http.ResponseWriter, body presignResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers",
		"Request-Context,api-supported-versions,Content-Length,Date,Server")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("write response failed", zap.Error(err))
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		duration := time.Since(start)
		metrics.ObserveGatewayRequest(r.Method, r.URL.Path, ww.status, duration)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeBody(w, presignResponse{Error: "Internal error", Reload: true})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
