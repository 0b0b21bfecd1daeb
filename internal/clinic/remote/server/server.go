// Package server is a reference remote instance for clinic devices.
//
// It authenticates providers with email and password, hands out signed
// session tokens, and serves the pull and push endpoints used by the sync
// engine:
//
//	POST /api/v1/auth/login     → schema.LoginResponse
//	GET  /api/v1/sync/changes   ?since=&limit=&device_id= → schema.PullResponse
//	POST /api/v1/sync/changes   schema.PushRequest → schema.PushResponse
//
// Records live in memory. Pushed records are merged field by field with
// the same policies a device uses, so pushes are idempotent.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pointcare/clinicsync/internal/clinic/merge"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8090)
	Port int

	// InstanceURL is recorded on seeded user records.
	InstanceURL string

	// JWTSecret signs session tokens. Required.
	JWTSecret string

	// TokenTTL is the session lifetime (default: 12h)
	TokenTTL time.Duration

	// Accounts are the providers allowed to log in.
	Accounts []Account

	// Policy merges pushed records (default: last writer wins, ties keep
	// the stored value)
	Policy merge.Policy

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:     8090,
		TokenTTL: 12 * time.Hour,
		Logger:   log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server is a remote instance.
type Server struct {
	cfg      Config
	secret   []byte
	store    *Store
	accounts map[string]*account
	router   chi.Router
	logger   *log.Logger
	now      func() time.Time

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// New creates a server and seeds a user record per account.
func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	def := DefaultConfig()
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("server needs a JWT secret")
	}

	s := &Server{
		cfg:      cfg,
		secret:   []byte(cfg.JWTSecret),
		store:    NewStore(cfg.Policy),
		accounts: make(map[string]*account, len(cfg.Accounts)),
		logger:   cfg.Logger,
		now:      time.Now,
	}
	for _, a := range cfg.Accounts {
		acct, err := newAccount(a, cfg.InstanceURL)
		if err != nil {
			return nil, err
		}
		s.accounts[acct.user.Email] = acct
		s.seedUser(acct.user)
	}

	s.router = chi.NewRouter()
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// seedUser publishes an account as user and content records so that
// devices learn about providers by pulling.
func (s *Server) seedUser(u schema.User) {
	if existing := s.store.Get(schema.KindUser, u.ID); existing != nil {
		return
	}
	s.store.Put(schema.KindContent, u.Name.ID, u.Name.Content)
	s.store.Put(schema.KindUser, u.ID, map[string]string{
		schema.FieldName:        u.Name.ID,
		schema.FieldRole:        u.Role,
		schema.FieldEmail:       u.Email,
		schema.FieldUserPhone:   u.Phone,
		schema.FieldInstanceURL: u.InstanceURL,
	})
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/sync/changes", s.handlePull)
			r.Post("/sync/changes", s.handlePush)
		})
	})
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Store returns the record store.
func (s *Server) Store() *Store {
	return s.store
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	go func() {
		s.logger.Printf("Server listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Println("Server stopped")
	return nil
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.cfg.Port)
}

type contextKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.validateToken(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"records": s.store.Len(),
		"cursor":  s.store.Cursor(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req schema.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acct, ok := s.accounts[strings.ToLower(strings.TrimSpace(req.Email))]
	if !ok {
		respondError(w, http.StatusUnauthorized, errBadCredentials.Error())
		return
	}
	if err := acct.check(req.Password); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	token, expires, err := s.issueToken(acct.user)
	if err != nil {
		s.logger.Printf("Failed to issue token for %s: %v", acct.user.Email, err)
		respondError(w, http.StatusInternalServerError, "cannot issue token")
		return
	}
	s.logger.Printf("Login: %s", acct.user.Email)
	respondJSON(w, http.StatusOK, schema.LoginResponse{
		Token:     token,
		ExpiresAt: expires,
		User:      acct.user,
		Protocol:  schema.ProtocolVersion,
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := schema.PullRequest{DeviceID: q.Get("device_id")}
	var err error
	if v := q.Get("since"); v != "" {
		if req.Since, err = strconv.ParseInt(v, 10, 64); err != nil || req.Since < 0 {
			respondError(w, http.StatusBadRequest, "invalid since")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil || req.Limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	resp := s.store.Pull(req)
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req schema.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := schema.ValidateID(req.DeviceID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid device_id")
		return
	}

	resp := s.store.Push(req)
	if len(resp.Rejected) > 0 {
		s.logger.Printf("Push from %s: %d stored, %d rejected", req.DeviceID, len(resp.Acknowledged), len(resp.Rejected))
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
