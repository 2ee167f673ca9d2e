// Package api is the ingress HTTP server: login, source uploads and job status.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/vod-packager/internal/auth"
	"github.com/amillerrr/vod-packager/internal/config"
	"github.com/amillerrr/vod-packager/internal/health"
	"github.com/amillerrr/vod-packager/internal/ingest"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Minute
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 30 * time.Minute
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer  *http.Server
	cfg         *config.Config
	log         *slog.Logger
	rateLimiter *auth.RateLimiter
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Jobs          JobStore
	Queue         Queue
	Receiver      *ingest.Receiver
	JWTService    *auth.JWTService
	RateLimiter   *auth.RateLimiter
	HealthChecker *health.Checker
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + cfg.Config.API.Port,
			Handler:           NewRouter(cfg),
			ReadTimeout:       ReadTimeout,
			ReadHeaderTimeout: ReadHeaderTimeout,
			WriteTimeout:      WriteTimeout,
			IdleTimeout:       IdleTimeout,
			MaxHeaderBytes:    MaxHeaderBytes,
		},
		cfg:         cfg.Config,
		log:         cfg.Logger,
		rateLimiter: cfg.RateLimiter,
	}
}

// NewRouter builds the API's handler tree.
func NewRouter(cfg *ServerConfig) http.Handler {
	handlers := NewHandlers(&HandlersConfig{
		Config:      cfg.Config,
		Logger:      cfg.Logger,
		Jobs:        cfg.Jobs,
		Queue:       cfg.Queue,
		Receiver:    cfg.Receiver,
		JWTService:  cfg.JWTService,
		RateLimiter: cfg.RateLimiter,
	})

	mux := http.NewServeMux()

	// Public endpoints
	if cfg.HealthChecker != nil {
		mux.HandleFunc("GET /health", cfg.HealthChecker.Handler())
		mux.HandleFunc("GET /health/deep", cfg.HealthChecker.DeepHandler())
	}
	mux.HandleFunc("POST /login", handlers.LoginHandler)
	mux.HandleFunc("GET /latest", handlers.GetLatestHandler)

	// Protected endpoints
	authMiddleware := cfg.JWTService.Middleware(cfg.RateLimiter)
	mux.HandleFunc("POST /videos", authMiddleware(handlers.UploadHandler))
	mux.HandleFunc("GET /videos", authMiddleware(handlers.ListJobsHandler))
	mux.HandleFunc("GET /videos/{id}", authMiddleware(handlers.GetJobHandler))

	mux.Handle("GET /metrics", InternalOnlyMiddleware(promhttp.Handler()))

	return CORSMiddleware(cfg.Config.CORS.AllowedOrigins)(MetricsMiddleware(mux))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// InternalOnlyMiddleware restricts access to requests made directly from
// private networks. Anything that came through a load balancer is refused.
func InternalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
