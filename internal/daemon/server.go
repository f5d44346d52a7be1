package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/msgvault/msgvault/internal/media"
	"github.com/msgvault/msgvault/internal/metrics"
	"github.com/msgvault/msgvault/internal/profile"
	"github.com/msgvault/msgvault/internal/status"
	"github.com/msgvault/msgvault/internal/store"
	intsync "github.com/msgvault/msgvault/internal/sync"
	"go.uber.org/zap"
)

// Server is the admin HTTP listener on the profile's Unix domain socket:
// health, stats, metrics, and manual sync triggers.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates an admin server bound to the profile's Unix domain socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	db *store.DB,
	manager *media.Manager,
	engine *intsync.Engine,
	machine *status.Machine,
	m *metrics.Metrics,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "state": string(machine.Current())})
	})
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		snap, err := db.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		mediaStats, err := manager.Stats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"state": machine.Current(),
			"cache": snap,
			"media": mediaStats,
		})
	})
	mux.HandleFunc("POST /clear", func(w http.ResponseWriter, _ *http.Request) {
		// Logout path: media layers first, then every store table.
		if err := manager.Clear(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := db.ClearAll(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		logger.Info("cache cleared")
		writeJSON(w, map[string]string{"status": "cleared"})
	})
	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		conv := r.URL.Query().Get("conversation_id")
		if conv == "" {
			http.Error(w, "conversation_id required", http.StatusBadRequest)
			return
		}
		opts := intsync.Options{ForceFull: r.URL.Query().Get("full") == "true"}
		res := engine.SyncChat(r.Context(), conv, opts)
		writeJSON(w, res)
	})

	return &Server{
		httpServer: &http.Server{Handler: mux},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Start begins serving admin requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("admin server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("admin server stopping")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	_ = os.Remove(s.socketPath)
}
