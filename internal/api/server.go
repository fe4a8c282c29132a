package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/auth"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/config"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/network"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/storage"
)

type contextKey string

const claimsKey contextKey = "claims"

// RESTServer represents the admin REST API server
type RESTServer struct {
	config *config.Config
	proc   *network.Processor
	store  storage.Store
	auth   *auth.JWTManager
	router chi.Router
	server *http.Server
	log    zerolog.Logger
}

// NewRESTServer creates the admin API. The store may be nil when the
// history store is disabled; the server then runs without authentication
// and is expected to stay on a trusted interface.
func NewRESTServer(cfg *config.Config, proc *network.Processor, store storage.Store, log zerolog.Logger) *RESTServer {
	s := &RESTServer{
		config: cfg,
		proc:   proc,
		store:  store,
		auth:   auth.NewJWTManager(&cfg.JWT),
		router: chi.NewRouter(),
		log:    log.With().Str("component", "api").Logger(),
	}

	if store == nil {
		s.log.Warn().Msg("history store disabled; API runs without authentication")
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	s.log.Info().Str("addr", addr).Msg("API server listening")
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// authMiddleware validates the bearer token when authentication is active
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.auth.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func (s *RESTServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.log.Error().Err(err).Msg("encode response failed")
		}
	}
}

func (s *RESTServer) writeError(w http.ResponseWriter, status int, msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}
