package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SnapshotFunc 返回控制器内部状态，用于 /api/line
type SnapshotFunc func(ctx context.Context) (any, error)

// Server 运维 HTTP 服务：/metrics、/ws、/api/state、/api/line
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer 注册所有路由
func NewServer(addr string, hub *Hub, st *StateTracker, line SnapshotFunc, logger *slog.Logger) *Server {
	logger = logger.With("component", "http")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs)
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, st.GetStateSnapshot())
	})
	mux.HandleFunc("/api/line", func(w http.ResponseWriter, r *http.Request) {
		if line == nil {
			http.Error(w, "not available", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		snap, err := line(ctx)
		if err != nil {
			logger.Warn("读取控制器状态失败", "error", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, snap)
	})
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Handler 返回路由，便于测试
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run 监听直到 ctx 取消，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("运维接口已启动", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
