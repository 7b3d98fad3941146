package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/pflag"

	"github.com/comfydeploy/comfy-gateway/pkg/config"
	helpers "github.com/comfydeploy/comfy-gateway/pkg/shared"
	"github.com/comfydeploy/comfy-gateway/services/comfy-build/internal/imageHelpers"
	"github.com/comfydeploy/comfy-gateway/services/comfy-build/internal/modelHelpers"
)

func main() {
	logger := helpers.NewLogger("comfy-build", "info")
	slog.SetDefault(logger)

	pflag.String("config", "", "Path to config file (default: ./config.toml)")
	pflag.String("log_level", "info", "Log level (debug|info|warn|error)")
	pflag.Bool("deploy_test", false, "Build the reduced deploy-test image")
	pflag.String("tag", "comfyui-app:latest", "Image tag")
	pflag.String("data_dir", "data", "Directory with build context files (start.sh, snapshot.json, ...)")
	pflag.Bool("dry_run", false, "Print the rendered Dockerfile and exit")
	pflag.Bool("skip_models", false, "Skip downloading the model manifest")
	pflag.String("override", "", "Override simple config values (string, int, bool) as comma-separated key:value pairs (e.g., build.tag:comfyui:dev,log_level:debug)")

	pflag.Parse()

	config.BindFlags(map[string]string{
		"log_level":   "log_level",
		"deploy_test": "build.deploy_test",
		"tag":         "build.tag",
		"data_dir":    "build.data_dir",
	})

	cfg := config.Load(pflag.Lookup("config").Value.String(), pflag.Lookup("override").Value.String())

	logger = helpers.NewLogger("comfy-build", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	def := imageHelpers.SelectChain(cfg.Build)

	dryRun, _ := pflag.CommandLine.GetBool("dry_run")
	if dryRun {
		fmt.Print(def.Render())
		return
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Error("Error creating docker client", "error", err)
		os.Exit(1)
	}
	defer helpers.CloseOrLog(cli)

	slog.Info("Building image", "tag", cfg.Build.Tag, "deployTest", cfg.Build.DeployTest)
	startTime := time.Now()
	if err := imageHelpers.Build(ctx, cli, def, cfg.Build.DataDir, cfg.Build.Tag); err != nil {
		slog.Error("Error building image", "error", err)
		os.Exit(1)
	}
	slog.Info("Image built", "tag", cfg.Build.Tag, "buildTime", time.Since(startTime))

	// Deploy-test images carry no models
	skipModels, _ := pflag.CommandLine.GetBool("skip_models")
	if cfg.Build.DeployTest || skipModels {
		return
	}

	manifestPath := filepath.Join(cfg.Build.DataDir, "models.json")
	models, err := modelHelpers.LoadManifest(manifestPath)
	if err != nil {
		slog.Error("Error loading model manifest", "path", manifestPath, "error", err)
		os.Exit(1)
	}

	slog.Info("Fetching models", "count", len(models), "dest", cfg.Build.ModelsDir)
	if err := modelHelpers.FetchModels(ctx, models, cfg.Build.ModelsDir, cfg.Build.CivitaiToken); err != nil {
		slog.Error("Error fetching models", "error", err)
		os.Exit(1)
	}
	slog.Info("Build complete", "tag", cfg.Build.Tag)
}
