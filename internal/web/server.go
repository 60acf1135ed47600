// Package web is the HTTP control surface for the WhatsApp session and campaigns.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"salonreach/internal/bus"
	"salonreach/internal/campaign"
	"salonreach/internal/metrics"
	"salonreach/internal/session"
)

const (
	defaultMaxBodyBytes = 1 << 20
	historySaveTimeout  = 5 * time.Second
	janitorInterval     = time.Minute
)

// SessionManager is the part of session.Manager the API drives.
type SessionManager interface {
	Initialize(ctx context.Context) (session.Result, error)
	Restart(ctx context.Context) (session.Result, error)
	Stop(ctx context.Context) (session.Result, error)
	Status(ctx context.Context) session.StatusResult
	State() session.State
}

// CampaignRunner is the part of campaign.Dispatcher the API drives.
type CampaignRunner interface {
	Dispatch(ctx context.Context, jobs []campaign.Job, opts campaign.Options) (*campaign.Report, error)
	Running() bool
}

// HistoryStore persists finished campaigns. Optional.
type HistoryStore interface {
	SaveReport(ctx context.Context, r *campaign.Report) error
	ListReports(ctx context.Context, limit int) ([]campaign.Report, error)
	GetReport(ctx context.Context, id string) (*campaign.Report, error)
}

// RateLimit sets per-client budgets over Window.
type RateLimit struct {
	Enabled bool
	Window  time.Duration
	General int // every route
	Strict  int // initialize and send-campaign
}

type Config struct {
	Addr             string
	Session          SessionManager
	Campaigns        CampaignRunner
	History          HistoryStore  // nil disables the campaign listing routes
	Events           *bus.EventBus // nil disables the events stream
	CampaignDefaults campaign.Options
	AllowedOrigins   []string
	RateLimit        RateLimit
	MaxBodyBytes     int64
	HistoryLimit     int // default page size for GET /whatsapp/campaigns
	ShutdownTimeout  time.Duration
	Logger           *slog.Logger
}

// Server serves the control API.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	handler http.Handler
	general *ipLimiter
	strict  *ipLimiter
	origins map[string]bool
	server  *http.Server
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.CampaignDefaults.MaxRetries == 0 && cfg.CampaignDefaults.DelayBetweenMessages == 0 {
		cfg.CampaignDefaults = campaign.DefaultOptions()
	}

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		origins: make(map[string]bool, len(cfg.AllowedOrigins)),
	}
	for _, o := range cfg.AllowedOrigins {
		s.origins[o] = true
	}
	if rl := cfg.RateLimit; rl.Enabled {
		s.general = newIPLimiter("general", rl.Window, rl.General)
		s.strict = newIPLimiter("strict", rl.Window, rl.Strict)
	}

	routes := []struct {
		method, path string
		handler      http.Handler
	}{
		{http.MethodPost, "/whatsapp/initialize", s.limitStrict(s.handleInitialize)},
		{http.MethodGet, "/whatsapp/status", http.HandlerFunc(s.handleStatus)},
		{http.MethodPost, "/whatsapp/send-campaign", s.limitStrict(s.handleSendCampaign)},
		{http.MethodPost, "/whatsapp/stop", http.HandlerFunc(s.handleStop)},
		{http.MethodPost, "/whatsapp/restart", http.HandlerFunc(s.handleRestart)},
		{http.MethodGet, "/whatsapp/campaigns", http.HandlerFunc(s.handleListCampaigns)},
		{http.MethodGet, "/whatsapp/campaigns/{id}", http.HandlerFunc(s.handleGetCampaign)},
		{http.MethodGet, "/whatsapp/events", http.HandlerFunc(s.handleEvents)},
		{http.MethodGet, "/health", http.HandlerFunc(s.handleHealth)},
		{http.MethodGet, "/metrics", metrics.Handler()},
	}
	mux := http.NewServeMux()
	allowed := make(map[string][]string)
	for _, rt := range routes {
		mux.Handle(rt.method+" "+rt.path, rt.handler)
		allowed[rt.path] = append(allowed[rt.path], rt.method)
	}
	// The method-less pattern only matches what the routes above do not, so
	// a wrong method gets a JSON 405 instead of the mux's plain-text one.
	for path, methods := range allowed {
		mux.Handle(path, methodNotAllowed(methods))
	}

	s.handler = s.recoverer(s.instrument(s.cors(s.limitGeneral(mux))))
	return s
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("control API started", "addr", "http://"+s.cfg.Addr, "rate_limit", s.cfg.RateLimit.Enabled)

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			s.logger.Info("control API stopping")
			return s.server.Shutdown(shutdownCtx)
		case err, ok := <-errCh:
			if !ok {
				return nil
			}
			return err
		case now := <-ticker.C:
			s.general.prune(now)
			s.strict.prune(now)
		}
	}
}

// errorResponse is the body of every non-2xx JSON reply.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func methodNotAllowed(methods []string) http.HandlerFunc {
	allow := strings.Join(methods, ", ")
	if slices.Contains(methods, http.MethodGet) {
		allow += ", " + http.MethodHead
	}
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Allow", allow)
		writeError(rw, http.StatusMethodNotAllowed, "Method not allowed", r.Method+" is not supported here; use "+allow)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg, details string) {
	writeJSON(rw, status, errorResponse{Error: msg, Details: details})
}
