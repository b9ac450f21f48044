// Package status serves tunnel counters over HTTP.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/astaxie/beego/logs"
	"github.com/easymesh/rftun/tunnel"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

// Info is the static description of the running node.
type Info struct {
	NodeID    string `json:"node_id,omitempty"`
	Version   string `json:"version"`
	Link      string `json:"link"`
	Format    string `json:"format"`
	FrameSize int    `json:"frame_size"`
	Shared    bool   `json:"shared"`
	Tun       string `json:"tun"`
}

type Server struct {
	info    Info
	stats   func() tunnel.Snapshot
	started time.Time
}

func New(info Info, stats func() tunnel.Snapshot) *Server {
	return &Server{info: info, stats: stats, started: time.Now()}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router().ServeHTTP(w, req)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.getHealth())
		r.Get("/info", s.getInfo())
		r.Get("/stats", s.getStats())
	})
	return r
}

type healthResp struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) getHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, healthResp{
			Status: "ok",
			Uptime: time.Since(s.started).Round(time.Second).String(),
		})
	}
}

func (s *Server) getInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, s.info)
	}
}

func (s *Server) getStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, s.stats())
	}
}

// Serve listens on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, l)
}

func (s *Server) serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logs.Info("status endpoint on http://%s/api", l.Addr())
	if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	pretty, err := boolFromQuery(r, "pretty", false)
	if err != nil {
		logs.Warn("status query, %s", err.Error())
	}
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err, ok := v.(error); ok {
		v = map[string]interface{}{"error": err.Error()}
	}
	if err := enc.Encode(v); err != nil {
		logs.Error("status encode fail, %s", err.Error())
	}
}

func boolFromQuery(r *http.Request, key string, defaultVal bool) (bool, error) {
	switch q := r.URL.Query().Get(key); q {
	case "true", "on", "1":
		return true, nil
	case "false", "off", "0":
		return false, nil
	case "":
		return defaultVal, nil
	default:
		return false, fmt.Errorf("invalid '%s' query value of '%s'", key, q)
	}
}
