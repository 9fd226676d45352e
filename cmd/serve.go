package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/roleplay-eval/internal/model"
	"github.com/sells-group/roleplay-eval/internal/monitoring"
)

var servePort int

// evaluator is the part of evaluation.Service the HTTP layer needs.
type evaluator interface {
	Evaluate(ctx context.Context, req model.EvaluationRequest) (*model.EvaluationResult, error)
	GetByRecording(ctx context.Context, recordingID string) (*model.Evaluation, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// routerConfig groups the dependencies of newRouter.
type routerConfig struct {
	Evaluator         evaluator
	Store             pinger
	EvaluationTimeout time.Duration
	AllowedOrigins    []string
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the evaluation HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var rec monitoring.Recorder = monitoring.Nop{}
		var metricsHandler http.Handler
		if cfg.Metrics.Enabled {
			p, err := monitoring.NewPrometheus(cfg.Metrics.Namespace, nil)
			if err != nil {
				return err
			}
			rec = p
			metricsHandler = promhttp.Handler()
		}

		env, err := initApp(ctx, cfg, "serve", rec)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: newRouter(routerConfig{
				Evaluator:         env.Service,
				Store:             env.Store,
				EvaluationTimeout: time.Duration(cfg.Server.EvaluationTimeoutSecs) * time.Second,
				AllowedOrigins:    cfg.Server.AllowedOrigins,
				Metrics:           metricsHandler,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Error("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the HTTP API.
func newRouter(rc routerConfig) http.Handler {
	if rc.EvaluationTimeout <= 0 {
		rc.EvaluationTimeout = 2 * time.Minute
	}
	origins := rc.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(optionsOK(origins))

	r.Get("/health", handleHealth(rc.Store))
	r.Post("/evaluate", handleEvaluate(rc.Evaluator, rc.EvaluationTimeout))
	r.Get("/evaluations/{recordingId}", handleGetEvaluation(rc.Evaluator))
	if rc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", rc.Metrics)
	}

	return r
}

// optionsOK answers any OPTIONS request that the CORS handler did not treat
// as a preflight. CORS headers follow the same allowed origins: a wildcard
// list allows everyone, otherwise only a listed Origin is echoed back.
func optionsOK(origins []string) func(http.Handler) http.Handler {
	allowAll := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			default:
				w.WriteHeader(http.StatusOK)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.WriteHeader(http.StatusOK)
		})
	}
}

func handleHealth(st pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if st != nil {
			if err := st.Ping(r.Context()); err != nil {
				zap.L().Warn("health: store ping failed", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleEvaluate(ev evaluator, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.EvaluationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		// Once started, a run finishes even if the client disconnects.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
		defer cancel()

		res, err := ev.Evaluate(ctx, req)
		if err != nil {
			status := model.HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				zap.L().Error("evaluate request failed",
					zap.String("recording_id", req.RecordingID),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("kind", string(model.KindOf(err))),
					zap.Error(err),
				)
			}
			writeError(w, status, model.PublicMessage(err))
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetEvaluation(ev evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recordingID := chi.URLParam(r, "recordingId")
		out, err := ev.GetByRecording(r.Context(), recordingID)
		if err != nil {
			zap.L().Error("get evaluation failed", zap.String("recording_id", recordingID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if out == nil {
			writeError(w, http.StatusNotFound, "evaluation not found")
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
