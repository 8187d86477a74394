package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"sentinel/internal/assembler"
	"sentinel/internal/config"
	"sentinel/internal/detection"
	"sentinel/internal/engine"
	"sentinel/internal/middleware"
	"sentinel/internal/pipeline"
	"sentinel/internal/sink"
	"sentinel/internal/stream"
	"sentinel/internal/ws"
)

const (
	feedPrefix     = "/ws/events"
	previewPrefix  = "/stream"
	snapshotPrefix = "/snapshot"
)

type serverDeps struct {
	manager    *engine.Manager
	asm        *assembler.Assembler
	pool       *detection.Pool
	dispatcher *sink.Dispatcher
	hub        *ws.Hub
	preview    *stream.Manager // nil when previews are disabled
	feedAuth   middleware.Validator
}

type healthResponse struct {
	Status      string                         `json:"status"`
	Uptime      string                         `json:"uptime"`
	Cameras     []engine.CameraStatus          `json:"cameras"`
	Lanes       []pipeline.LaneStats           `json:"lanes"`
	Pool        detection.PoolStats            `json:"pool"`
	Events      map[pipeline.EventState]uint64 `json:"events"`
	Sink        sink.Stats                     `json:"sink"`
	FeedClients int                            `json:"feed_clients"`
}

// newServer builds the HTTP server: /healthz and, when enabled, the live
// event feed and camera previews
func newServer(cfg *config.Config, deps serverDeps) *http.Server {
	started := time.Now()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:      "ok",
			Uptime:      time.Since(started).Round(time.Second).String(),
			Cameras:     deps.manager.Status(),
			Lanes:       deps.manager.Stats(),
			Pool:        deps.pool.Stats(),
			Events:      deps.asm.Stats(),
			Sink:        deps.dispatcher.Stats(),
			FeedClients: deps.hub.ClientCount(),
		}
		code := http.StatusOK
		for _, c := range resp.Cameras {
			if c.Liveness == pipeline.LivenessFailed {
				resp.Status = "degraded"
			}
		}
		if len(resp.Cameras) == 0 {
			resp.Status = "down"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	})

	if cfg.Feed.Enabled {
		feed := middleware.RequireToken(deps.feedAuth)(ws.NewHandler(deps.hub, feedPrefix))
		mux.Handle(feedPrefix, feed)
		mux.Handle(feedPrefix+"/", feed)
	}
	if deps.preview != nil {
		requireToken := middleware.RequireToken(deps.feedAuth)
		mux.Handle("GET "+previewPrefix+"/", requireToken(deps.preview.StreamHandler(previewPrefix)))
		mux.Handle("GET "+snapshotPrefix+"/", requireToken(deps.preview.SnapshotHandler(snapshotPrefix)))
	}

	return &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

// serveHTTP runs srv until ctx is cancelled, then shuts it down gracefully
func serveHTTP(ctx context.Context, srv *http.Server) error {
	// Request contexts end with ctx so preview streams let Shutdown finish
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errc := make(chan error, 1)
	go func() {
		slog.Info("http: server listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("http: shutting down server", "addr", srv.Addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http: failed to shutdown", "err", err)
	}
	return nil
}
