// Package server exposes the read-only observability API.
// Endpoints:
//
//	GET /api/status   status rows for every service, dependency order
//	GET /api/health   daemon liveness
//	GET /metrics      Prometheus registry
//
// Mutation (stop, restart, shutdown) stays on the unix socket; this surface
// never changes supervisor state.
package server

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devmux/devmux/internal/metrics"
	"github.com/devmux/devmux/internal/supervisor"
)

type Router struct {
	sup *supervisor.Supervisor
}

func NewRouter(sup *supervisor.Supervisor) *Router {
	return &Router{sup: sup}
}

// Handler returns the gin handler, mountable in any mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/api/status", r.handleStatus)
	g.GET("/api/health", r.handleHealth)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer builds the standalone HTTP server for addr. A nil tlsCfg means
// plain HTTP. The caller owns ListenAndServe and Shutdown.
func NewServer(addr string, sup *supervisor.Supervisor, tlsCfg *tls.Config) *http.Server {
	r := NewRouter(sup)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Status())
}

type healthResp struct {
	Status   string `json:"status"`
	Services int    `json:"services"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{Status: "ok", Services: len(r.sup.Services())})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
