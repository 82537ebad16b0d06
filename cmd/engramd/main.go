// engramd serves the memory subsystem over HTTP: ingest, recall, link,
// consolidate, and forget endpoints plus prometheus metrics, with a
// daily dream cycle running in the background.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/luminalab/engram"
	"github.com/luminalab/engram/config"
	"github.com/luminalab/engram/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML configuration")
		envPrefix  = flag.String("env-prefix", "ENGRAM", "environment variable prefix")
	)
	flag.Parse()

	cfg, err := config.NewLoader().
		WithConfigPath(*configPath).
		WithEnvPrefix(*envPrefix).
		Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("engramd exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	sys, err := engram.New(cfg, engram.WithLogger(logger))
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sys.Hydrate(ctx); err != nil {
		return err
	}

	go dreamLoop(ctx, sys, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newHandler(sys),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("engramd listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// dreamLoop runs the dream cycle once shortly after startup and then
// every 24 hours.
func dreamLoop(ctx context.Context, sys *engram.System, logger *zap.Logger) {
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := sys.DreamCycle(ctx, time.Now().UTC()); err != nil {
			logger.Error("dream cycle failed", zap.Error(err))
		}
		timer.Reset(24 * time.Hour)
	}
}

func newHandler(sys *engram.System) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := sys.Ping(r.Context()); err != nil {
			writeError(w, types.NewError(types.ErrInternalError, "not healthy").WithCause(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /v1/ingest", func(w http.ResponseWriter, r *http.Request) {
		var req engram.IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, types.NewError(types.ErrValidation, "invalid request body").WithCause(err))
			return
		}
		traces, err := sys.Ingest(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"traces": traces})
	})

	mux.HandleFunc("POST /v1/recall", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Owner string     `json:"owner"`
			Query string     `json:"query"`
			Head  types.Head `json:"head,omitempty"`
			Limit int        `json:"limit,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, types.NewError(types.ErrValidation, "invalid request body").WithCause(err))
			return
		}
		results, err := sys.Recall(r.Context(), req.Owner, req.Query, engram.RecallOptions{
			Head:  req.Head,
			Limit: req.Limit,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	})

	mux.HandleFunc("POST /v1/forget", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Owner   string `json:"owner"`
			TraceID string `json:"trace_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, types.NewError(types.ErrValidation, "invalid request body").WithCause(err))
			return
		}
		if err := sys.Forget(r.Context(), req.Owner, req.TraceID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "forgotten"})
	})

	mux.HandleFunc("POST /v1/link", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Owner  string         `json:"owner"`
			SrcID  string         `json:"src_id"`
			DstID  string         `json:"dst_id"`
			Type   types.EdgeType `json:"type"`
			Weight float64        `json:"weight"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, types.NewError(types.ErrValidation, "invalid request body").WithCause(err))
			return
		}
		if err := sys.Link(r.Context(), req.Owner, req.SrcID, req.DstID, req.Type, req.Weight); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "linked"})
	})

	mux.HandleFunc("GET /v1/neighbors", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		neighbors, err := sys.Neighbors(r.Context(),
			r.URL.Query().Get("owner"),
			r.URL.Query().Get("trace_id"),
			types.EdgeType(r.URL.Query().Get("type")),
			limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"neighbors": neighbors})
	})

	mux.HandleFunc("POST /v1/consolidate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Owner       string             `json:"owner"`
			Granularity engram.Granularity `json:"granularity"`
			At          time.Time          `json:"at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, types.NewError(types.ErrValidation, "invalid request body").WithCause(err))
			return
		}
		if req.At.IsZero() {
			req.At = time.Now().UTC().AddDate(0, 0, -1)
		}
		report, err := sys.Consolidate(r.Context(), req.Owner, req.Granularity, req.At)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.GetErrorCode(err) {
	case types.ErrValidation:
		status = http.StatusBadRequest
	case types.ErrNotFound:
		status = http.StatusNotFound
	case types.ErrForbidden:
		status = http.StatusForbidden
	case types.ErrUpstreamError, types.ErrUpstreamTimeout:
		status = http.StatusBadGateway
	}

	var structured *types.Error
	if !errors.As(err, &structured) {
		structured = types.NewError(types.ErrInternalError, err.Error())
	}
	writeJSON(w, status, map[string]any{"error": structured})
}
