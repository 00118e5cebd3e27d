package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/edgegateway/internal/config"
	"github.com/wudi/edgegateway/internal/logging"
)

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	listener    net.Listener
	adminLn     net.Listener
	watcher     *config.Watcher
	configPath  string
	logger      *zap.Logger
	startTime   time.Time

	mu            sync.Mutex
	reloadHistory []ReloadResult
}

// NewServer creates a new gateway server.
// configPath is the path to the YAML config file (used for reload).
func NewServer(cfg *config.Config, configPath string, opts ...Option) (*Server, error) {
	s := &Server{
		configPath: configPath,
		startTime:  time.Now(),
	}

	opts = append([]Option{WithLogger(logging.Global())}, opts...)
	gw, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	s.gateway = gw
	s.logger = gw.logger

	s.httpServer = &http.Server{
		Addr:              cfg.Listener.Address,
		Handler:           gw,
		ReadTimeout:       cfg.Listener.ReadTimeout,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
		WriteTimeout:      cfg.Listener.WriteTimeout,
		IdleTimeout:       cfg.Listener.IdleTimeout,
		MaxHeaderBytes:    cfg.Listener.MaxHeaderBytes,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Gateway returns the served gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Start binds the listeners and, when enabled, the config file watcher.
// Serving begins in Run.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	if s.adminServer != nil {
		aln, err := net.Listen("tcp", s.adminServer.Addr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("admin listen %s: %w", s.adminServer.Addr, err)
		}
		s.adminLn = aln
	}

	if s.gateway.Config().Watch && s.configPath != "" {
		w, err := config.NewWatcher(s.configPath, s.logger)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		w.OnChange(func(cfg *config.Config) {
			s.apply(cfg)
		})
		if err := w.Start(); err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		s.watcher = w
	}
	return nil
}

// Addr returns the bound gateway address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr returns the bound admin address, or nil when disabled.
func (s *Server) AdminAddr() net.Addr {
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully. SIGHUP triggers a config reload.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Start(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting gateway listener", zap.String("address", s.listener.Addr().String()))
		if err := s.httpServer.Serve(s.listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	if s.adminServer != nil {
		g.Go(func() error {
			s.logger.Info("Starting admin server", zap.String("address", s.adminLn.Addr().String()))
			if err := s.adminServer.Serve(s.adminLn); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-hup:
				result := s.ReloadConfig()
				if result.Success {
					s.logger.Info("Config reloaded successfully",
						zap.Int("changes", len(result.Changes)),
					)
				} else {
					s.logger.Error("Config reload failed",
						zap.String("error", result.Error),
					)
				}
			case <-gctx.Done():
				s.logger.Info("Shutting down gracefully...")
				return s.Shutdown(s.gateway.Config().Listener.ShutdownTimeout)
			}
		}
	})

	return g.Wait()
}

// Shutdown stops accepting connections and waits for in-flight requests,
// up to timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	var errs []error
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
	}
	if err := s.gateway.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := stderrors.Join(errs...); err != nil {
		s.logger.Error("Server shutdown incomplete", zap.Error(err))
		return err
	}
	s.logger.Info("Server shutdown complete")
	return nil
}

// ReloadConfig loads a new config from the config path and performs a hot reload.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return ReloadResult{
			Timestamp: time.Now(),
			Error:     "no config path configured",
		}
	}

	newCfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		result := ReloadResult{
			Timestamp: time.Now(),
			Error:     fmt.Sprintf("config load failed: %v", err),
		}
		s.gateway.Metrics().RecordReload(false)
		s.recordReload(result)
		return result
	}
	return s.apply(newCfg)
}

// apply swaps in an already validated config.
func (s *Server) apply(cfg *config.Config) ReloadResult {
	result := s.gateway.Reload(cfg)
	if !result.Success {
		s.logger.Error("Config reload rejected", zap.String("error", result.Error))
	}
	s.recordReload(result)
	return result
}

func (s *Server) recordReload(result ReloadResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadHistory = append(s.reloadHistory, result)
	if len(s.reloadHistory) > 50 {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-50:]
	}
}

// ReloadHistory returns the most recent reload results, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReloadResult(nil), s.reloadHistory...)
}

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.gateway.Metrics().Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/reload", s.handleReload)
	mux.HandleFunc("/reload/status", s.handleReloadStatus)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	verifierState := s.gateway.VerifierState()
	status := "ok"
	if verifierState == "open" {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"verifier": verifierState,
	})
}

type routeView struct {
	ID            string `json:"id"`
	Match         string `json:"match"`
	Path          string `json:"path"`
	Upstream      string `json:"upstream"`
	StripPrefix   string `json:"strip_prefix,omitempty"`
	AuthRequired  bool   `json:"auth_required"`
	RateLimitZone string `json:"rate_limit_zone,omitempty"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.gateway.Routes().Routes()
	out := make([]routeView, 0, len(routes))
	for _, route := range routes {
		out = append(out, routeView{
			ID:            route.ID,
			Match:         string(route.Kind),
			Path:          route.Pattern,
			Upstream:      route.Upstream.String(),
			StripPrefix:   route.StripPrefix,
			AuthRequired:  route.AuthRequired,
			RateLimitZone: route.RateLimitZone,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	result := s.ReloadConfig()
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ReloadHistory())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
