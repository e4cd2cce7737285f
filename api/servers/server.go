package servers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/inomad/custody-backend/api"
	"github.com/inomad/custody-backend/metrics"
	"go.uber.org/atomic"
)

// RouteRegistrar is implemented by every handler mounted on a Server.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	router     http.Handler
	srv        *http.Server
	metricsSrv *metrics.MetricsServer
}

func New(cfg *api.HTTPServerConfig, handlers ...RouteRegistrar) *Server {
	srv := &Server{
		cfg: cfg,
		log: cfg.Log,
	}
	if cfg.MetricsAddr != "" && cfg.Gatherer != nil {
		srv.metricsSrv = metrics.NewMetricsServer(cfg.MetricsAddr, cfg.Gatherer)
	}
	srv.isReady.Store(true)

	srv.router = srv.getRouter(handlers)
	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

func (srv *Server) getRouter(handlers []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		for _, h := range handlers {
			h.RegisterRoutes(r)
		}

		r.Get("/livez", probe("alive"))
		r.Get("/readyz", srv.handleReadinessCheck)
		r.Post("/drain", srv.setReady(false))
		r.Post("/undrain", srv.setReady(true))
	})

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// Handler returns the routed handler, for tests and embedding.
func (srv *Server) Handler() http.Handler {
	return srv.router
}

func probe(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Load() {
		probe("ready")(w, r)
		return
	}
	api.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

// setReady flips readiness for load balancer drains during rollouts.
func (srv *Server) setReady(ready bool) http.HandlerFunc {
	changed, unchanged := "draining", "already draining"
	if ready {
		changed, unchanged = "ready", "already ready"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if srv.isReady.Swap(ready) == ready {
			probe(unchanged)(w, r)
			return
		}
		srv.log.Info("Readiness changed", "ready", ready, "drain_duration", srv.cfg.DrainDuration)
		probe(changed)(w, r)
	}
}

func (srv *Server) RunInBackground() {
	if srv.metricsSrv != nil {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown marks the server not ready, waits out the drain period if the
// server was still serving, then stops accepting requests.
func (srv *Server) Shutdown() {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("Draining before shutdown", "drain_duration", srv.cfg.DrainDuration)
		time.Sleep(srv.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	if srv.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
