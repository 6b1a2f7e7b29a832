package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/attachd/shield"
)

func newMCPServer(a *app) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "attachd", Version: Version}, nil)
	a.ing.RegisterMCP(srv)
	return srv
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the processing worker, stale recovery and the ops/MCP endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), c.app, c.logger)
		},
	}
}

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the attachment tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newMCPServer(c.app).Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}

// serve runs until ctx is cancelled: the queue worker, a periodic
// recovery/sweep loop and the HTTP listener.
func serve(ctx context.Context, a *app, logger *slog.Logger) error {
	cfg := a.cfg
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// A previous process may have died mid-run.
	if n, err := a.ing.RecoverStale(ctx, cfg.Pipeline.StaleAfter); err != nil {
		logger.Warn("boot recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("boot recovery", "recovered", n)
	}
	if n, err := a.ing.Sweep(ctx, 1000); err != nil {
		logger.Warn("boot sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("boot sweep", "queued", n)
	}

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		if err := a.ing.RunWorker(ctx); err != nil {
			logger.Error("queue worker", "error", err)
		}
	}()
	go func() {
		defer loops.Done()
		maintenanceLoop(ctx, a, logger)
	}()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newHTTPHandler(a, newMCPServer(a)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("attachd listening", "addr", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		stop()
		loops.Wait()
		a.ing.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// In-flight runs release their records before the database closes.
	loops.Wait()
	a.ing.Wait()
	return nil
}

// maintenanceLoop recovers stale runs and requeues lost uploads every half
// stale interval.
func maintenanceLoop(ctx context.Context, a *app, logger *slog.Logger) {
	every := a.cfg.Pipeline.StaleAfter / 2
	if every < time.Minute {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.ing.RecoverStale(ctx, a.cfg.Pipeline.StaleAfter); err != nil {
				logger.Warn("stale recovery failed", "error", err)
			} else if n > 0 {
				logger.Info("stale recovery", "recovered", n)
			}
			if _, err := a.ing.Sweep(ctx, 1000); err != nil {
				logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

func newHTTPHandler(a *app, mcpSrv *mcp.Server) http.Handler {
	r := chi.NewRouter()
	// MCP uploads carry the file base64-encoded inside JSON.
	maxBody := a.cfg.MaxFileBytes()/3*4 + 64*1024
	for _, mw := range shield.Stack(maxBody) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		counts, err := a.store.CountByStatus(r.Context())
		if err != nil {
			shield.GetLogger(r.Context()).Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
			return
		}
		queued, err := a.queue.Len(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "files": counts, "queued": queued})
	})
	r.Handle("/metrics", promhttp.Handler())

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
	r.Handle("/mcp", mcpHandler)
	r.Handle("/mcp/*", mcpHandler)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
