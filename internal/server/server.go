package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/yy945635407/screen-region-stream/internal/backend"
	"github.com/yy945635407/screen-region-stream/internal/capture"
	"github.com/yy945635407/screen-region-stream/internal/health"
	"github.com/yy945635407/screen-region-stream/internal/hub"
	"github.com/yy945635407/screen-region-stream/internal/logging"
)

var log = logging.L("server")

const shutdownTimeout = 5 * time.Second

// Config holds the listener settings.
type Config struct {
	// WSAddr serves the viewer websocket on every path.
	WSAddr string
	// HTTPAddr serves the viewer page, /ws, /healthz and /status.
	HTTPAddr string
	// MaxConns caps concurrent sockets on the websocket listener. Zero
	// disables the cap.
	MaxConns int
	Viewer   ViewerOptions
	// Web is the viewer page file tree; it must contain index.html.
	Web fs.FS
}

// Server exposes the hub to viewers.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	backend  *backend.Connection
	health   *health.Monitor
	upgrader websocket.Upgrader
	started  time.Time
}

// New creates a server. conn may be nil for local capture sources.
func New(cfg Config, h *hub.Hub, conn *backend.Connection, mon *health.Monitor) *Server {
	if mon == nil {
		mon = health.NewMonitor()
	}
	return &Server{
		cfg:     cfg,
		hub:     h,
		backend: conn,
		health:  mon,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			// Viewer pages may be served from anywhere on the LAN.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// ServeWS upgrades the request and serves one viewer until it disconnects.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", logging.KeyError, err, "remote", r.RemoteAddr)
		return
	}
	vc := newViewerConn(uuid.NewString(), conn, s.hub, s.cfg.Viewer)
	vc.serve(r.Context())
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.ServeWS)
	mux.HandleFunc("GET /healthz", s.serveHealthz)
	mux.HandleFunc("GET /status", s.serveStatus)
	if s.cfg.Web != nil {
		mux.HandleFunc("GET /{$}", s.serveIndex)
		mux.HandleFunc("GET /index.html", s.serveIndex)
		mux.Handle("GET /", http.FileServerFS(s.cfg.Web))
	}
	return mux
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	page, err := fs.ReadFile(s.cfg.Web, "index.html")
	if err != nil {
		http.Error(w, "viewer page missing", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(page)
}

func (s *Server) serveHealthz(w http.ResponseWriter, r *http.Request) {
	overall := s.health.Overall()
	code := http.StatusOK
	if overall == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintln(w, overall)
}

// Status is the /status document.
type Status struct {
	Health  map[string]any      `json:"health"`
	Source  string              `json:"source"`
	Backend *backend.Status     `json:"backend,omitempty"`
	Region  capture.Region      `json:"region"`
	Quality int                 `json:"quality"`
	FPS     int                 `json:"fps"`
	Mode    hub.FrameMode       `json:"mode"`
	Viewers int                 `json:"viewers"`
	Metrics hub.MetricsSnapshot `json:"metrics"`
	Process health.ProcessStats `json:"process"`
	UptimeS int64               `json:"uptimeSeconds"`
}

// Status assembles the current status document.
func (s *Server) Status() Status {
	settings := s.hub.Settings()
	st := Status{
		Health:  s.health.Summary(),
		Source:  s.hub.Source().Name(),
		Region:  s.hub.Region(),
		Quality: settings.Quality,
		FPS:     settings.FPS(),
		Mode:    s.hub.Mode(),
		Viewers: s.hub.ViewerCount(),
		Metrics: s.hub.Metrics().Snapshot(),
		Process: health.Process(),
		UptimeS: int64(time.Since(s.started).Seconds()),
	}
	if s.backend != nil {
		b := s.backend.Status()
		st.Backend = &b
	}
	return st
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.Status()); err != nil {
		log.Debug("status encode failed", logging.KeyError, err)
	}
}

// Run binds both listeners and serves until ctx is cancelled. A bind
// failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", s.cfg.HTTPAddr, err)
	}

	servers := []*http.Server{{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}}
	listeners := []net.Listener{httpLn}

	if s.cfg.WSAddr != "" && s.cfg.WSAddr != s.cfg.HTTPAddr {
		wsLn, err := net.Listen("tcp", s.cfg.WSAddr)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listen websocket %s: %w", s.cfg.WSAddr, err)
		}
		if s.cfg.MaxConns > 0 {
			wsLn = netutil.LimitListener(wsLn, s.cfg.MaxConns)
		}
		servers = append(servers, &http.Server{
			Handler:           http.HandlerFunc(s.ServeWS),
			ReadHeaderTimeout: 10 * time.Second,
		})
		listeners = append(listeners, wsLn)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range servers {
		srv, ln := servers[i], listeners[i]
		log.Info("listening", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", ln.Addr(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn("http shutdown", logging.KeyError, err)
			}
		}
		return nil
	})
	return g.Wait()
}
