package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/comfydeploy/comfy-gateway/pkg/config"
	helpers "github.com/comfydeploy/comfy-gateway/pkg/shared"
	"github.com/comfydeploy/comfy-gateway/pkg/shared/defs"
	"github.com/comfydeploy/comfy-gateway/services/comfy-gateway/internal/comfyHelpers"
	"github.com/comfydeploy/comfy-gateway/services/comfy-gateway/internal/httpHelpers"
	"github.com/comfydeploy/comfy-gateway/services/comfy-gateway/internal/processHelpers"
	"github.com/comfydeploy/comfy-gateway/services/comfy-gateway/internal/proxyHelpers"
)

// newRouter wires the gateway surface: the launch endpoint, status lookups,
// the health check, and a catch-all that proxies everything else to the
// supervised ComfyUI server.
func newRouter(comfy *comfyHelpers.Client, proc *processHelpers.Process, proxy http.Handler, comfyHost string, comfyPort int) chi.Router {
	r := chi.NewRouter()

	// Queue a workflow run
	r.Post("/run", func(w http.ResponseWriter, r *http.Request) {
		var reqBody defs.RequestInput
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			slog.Error("Error decoding request body", "error", err)
			httpHelpers.WriteError(w, http.StatusBadRequest, "Error decoding request body")
			return
		}
		launch := reqBody.Input
		if err := launch.Validate(); err != nil {
			slog.Error("Invalid launch request", "error", err)
			httpHelpers.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		slog.Info("Queueing prompt", "promptId", launch.PromptID)

		startTime := time.Now()
		queued, err := comfy.QueuePrompt(r.Context(), launch.WorkflowAPI)
		queueDuration := time.Since(startTime)
		if err != nil {
			slog.Error("Error queueing prompt", "promptId", launch.PromptID, "error", err)
			httpHelpers.WriteError(w, http.StatusBadGateway, "Error queueing prompt")
			return
		}

		// Report back to the caller's status endpoint; their endpoint, their
		// availability problem, so a failure only gets logged.
		status := defs.RunStatus{PromptID: launch.PromptID, Status: "queued", NodeErrors: queued.NodeErrors}
		if err := comfyHelpers.PostStatus(r.Context(), launch.StatusEndpoint, status); err != nil {
			slog.Error("Error posting run status", "endpoint", launch.StatusEndpoint, "error", err)
		}

		httpHelpers.WriteTimings(w, httpHelpers.Timings{"queue-time": queueDuration})
		httpHelpers.WriteOutput(w, map[string]any{
			"prompt_id":        launch.PromptID,
			"server_prompt_id": queued.PromptID,
			"number":           queued.Number,
		})
	})

	// Look up a run in the server's history
	r.Get("/status/{promptID}", func(w http.ResponseWriter, r *http.Request) {
		promptID := chi.URLParam(r, "promptID")

		history, err := comfy.GetHistory(r.Context(), promptID)
		if err != nil {
			slog.Error("Error fetching history", "promptId", promptID, "error", err)
			httpHelpers.WriteError(w, http.StatusBadGateway, "Error fetching history")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(history); err != nil {
			slog.Error("Error writing history response", "error", err)
		}
	})

	// Health of the supervised server
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		alive := proc.Alive()

		status := defs.ServerStatus{
			Pid:   proc.Pid(),
			Alive: alive,
		}
		if alive {
			start := time.Now()
			err := processHelpers.ProbePort(comfyHost, comfyPort)
			elapsed := time.Since(start)
			status.IsReachable = err == nil
			if err == nil {
				httpHelpers.WriteTimings(w, httpHelpers.Timings{"probe-time": elapsed})
			}
		}

		if !alive || !status.IsReachable {
			httpHelpers.WriteJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		httpHelpers.WriteOutput(w, status)
	})

	// Everything else goes straight to ComfyUI
	r.Handle("/*", proxy)

	return r
}

func main() {
	logger := helpers.NewLogger("comfy-gateway", "info")
	slog.SetDefault(logger)

	id := uuid.New()
	slog.Info("Starting gateway", "uuid", id.String())

	pflag.String("config", "", "Path to config file (default: ./config.toml)")
	pflag.String("log_level", "info", "Log level (debug|info|warn|error)")
	pflag.Int("port", 8080, "HTTP server port")
	pflag.String("hostname", "", "Hostname to listen on")
	pflag.String("comfy_host", "127.0.0.1", "Host the ComfyUI server binds")
	pflag.Int("comfy_port", 8188, "Port the ComfyUI server binds")
	pflag.String("comfy_dir", "/comfyui", "Working directory of the ComfyUI server")
	pflag.Int("max_retries", 500, "Readiness probe attempts before giving up (0 = unbounded)")
	pflag.String("override", "", "Override simple config values (string, int, bool) as comma-separated key:value pairs (e.g., gateway.port:9000,log_level:debug)")

	pflag.Parse()

	config.BindFlags(map[string]string{
		"log_level":   "log_level",
		"port":        "gateway.port",
		"hostname":    "gateway.hostname",
		"comfy_host":  "comfy.host",
		"comfy_port":  "comfy.port",
		"comfy_dir":   "comfy.dir",
		"max_retries": "comfy.max_retries",
	})

	cfg := config.Load(pflag.Lookup("config").Value.String(), pflag.Lookup("override").Value.String())

	// Update the logger to use the configured log level
	logger = helpers.NewLogger("comfy-gateway", cfg.LogLevel)
	slog.SetDefault(logger)

	// Global context that cancels the supervised process on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting ComfyUI server", "command", cfg.Comfy.Command, "dir", cfg.Comfy.Dir)
	startTime := time.Now()
	proc, err := processHelpers.EnsureServerReady(ctx, cfg.Comfy.Command, cfg.Comfy.Dir, cfg.Comfy.Host, cfg.Comfy.Port, cfg.Comfy.PollInterval, cfg.Comfy.MaxRetries)
	if err != nil {
		var exited *processHelpers.ProcessExitedError
		if errors.As(err, &exited) {
			slog.Error("ComfyUI exited before becoming reachable", "exitCode", exited.ExitCode)
		} else {
			slog.Error("Error waiting for ComfyUI", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("ComfyUI ready", "pid", proc.Pid(), "startupTime", time.Since(startTime))

	comfy := comfyHelpers.NewClient(cfg.Comfy.Host, cfg.Comfy.Port)
	if err := comfy.CheckServer(ctx, cfg.Comfy.CheckTimeout); err != nil {
		slog.Error("Error checking ComfyUI API", "error", err)
		if err := proc.Kill(); err != nil {
			slog.Error("Error killing ComfyUI", "error", err)
		}
		os.Exit(1)
	}

	upstreamAddr := fmt.Sprintf("%s:%d", cfg.Comfy.Host, cfg.Comfy.Port)
	proxyCfg, err := proxyHelpers.NewUpstreamConfig("http://"+upstreamAddr, upstreamAddr)
	if err != nil {
		slog.Error("Error building proxy config", "error", err)
		os.Exit(1)
	}
	proxy := proxyHelpers.NewHandler(proxyCfg)

	r := newRouter(comfy, proc, proxy, cfg.Comfy.Host, cfg.Comfy.Port)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Gateway.Hostname, cfg.Gateway.Port),
		Handler: r,
	}
	// Run server in background
	go func() {
		slog.Info("Gateway listening", "hostname", cfg.Gateway.Hostname, "port", cfg.Gateway.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ListenAndServe error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	slog.Info("Signal received, shutting down...")

	// The gateway still owns the server process at this point
	proc.Stop(5 * time.Second)

	// Shutdown the HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server Shutdown error", "error", err)
	} else {
		slog.Info("HTTP server shut down gracefully")
	}

	slog.Info("Gateway exited gracefully")
}
