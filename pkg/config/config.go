// Package config provides shared configuration functionality using Viper
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// GatewayConfig configures the HTTP surface of the gateway service.
type GatewayConfig struct {
	Port     int    `mapstructure:"port"`
	Hostname string `mapstructure:"hostname"`
}

// ComfyConfig configures the supervised ComfyUI server process.
type ComfyConfig struct {
	Host    string   `mapstructure:"host"`
	Port    int      `mapstructure:"port"`
	Command []string `mapstructure:"command"`
	Dir     string   `mapstructure:"dir"`
	// PollInterval separates readiness probe attempts; MaxRetries caps them.
	// A MaxRetries of zero or less polls forever.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
}

// BuildConfig configures the image builder CLI.
type BuildConfig struct {
	Name         string `mapstructure:"name"`
	GPU          string `mapstructure:"gpu"`
	DeployTest   bool   `mapstructure:"deploy_test"`
	Tag          string `mapstructure:"tag"`
	CivitaiToken string `mapstructure:"civitai_token"`
	DataDir      string `mapstructure:"data_dir"`
	ModelsDir    string `mapstructure:"models_dir"`
}

// Config holds common configuration values shared across all services
type Config struct {
	// Basic configuration
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Gateway GatewayConfig `mapstructure:"gateway"`
	Comfy   ComfyConfig   `mapstructure:"comfy"`
	Build   BuildConfig   `mapstructure:"build"`
}

func setGatewayDefaults(v *viper.Viper) {
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.hostname", "")
}

func setComfyDefaults(v *viper.Viper) {
	v.SetDefault("comfy.host", "127.0.0.1")
	v.SetDefault("comfy.port", 8188)
	v.SetDefault("comfy.command", []string{"python", "main.py", "--listen", "0.0.0.0", "--port", "8188"})
	v.SetDefault("comfy.dir", "/comfyui")
	v.SetDefault("comfy.poll_interval", 50*time.Millisecond)
	v.SetDefault("comfy.max_retries", 500)
	v.SetDefault("comfy.check_timeout", 2*time.Second)
}

func setBuildDefaults(v *viper.Viper) {
	v.SetDefault("build.name", "comfyui-app")
	v.SetDefault("build.gpu", "")
	v.SetDefault("build.deploy_test", false)
	v.SetDefault("build.tag", "comfyui-app:latest")
	v.SetDefault("build.civitai_token", "")
	v.SetDefault("build.data_dir", "data")
	v.SetDefault("build.models_dir", "/comfyui/models")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	setGatewayDefaults(v)
	setComfyDefaults(v)
	setBuildDefaults(v)
}

func ConfigureViper() {
	// We can pull config from env variables with a `COMFY_` prefix if we want
	viper.SetEnvPrefix("COMFY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
}

func init() {
	ConfigureViper()
}

// Load loads shared configuration using Viper with defaults
func Load(configPath string, overrideStr string) *Config {
	setDefaults(viper.GetViper())

	// If a custom config path is provided, use it
	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	err := viper.ReadInConfig()
	if err != nil {
		// Ignore file not found errors (config is optional)
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			slog.Error("Failed to read config file", "error", err, "config_file", viper.ConfigFileUsed())
			os.Exit(1)
		}
		slog.Info("No config file found, using defaults")
	} else {
		slog.Info("Loaded config file", "path", viper.ConfigFileUsed())
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("unable to unmarshal config: %w", err))
	}

	// Process override flag if provided (after loading config to ensure highest precedence)
	if overrideStr != "" {
		// Split into key-value pairs
		pairs := strings.Split(overrideStr, ",")
		for _, pair := range pairs {
			// Split into key and value
			parts := strings.SplitN(pair, ":", 2)
			if len(parts) != 2 {
				slog.Error("Invalid override format", "pair", pair, "expected", "key:value")
				os.Exit(1)
			}
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			viper.Set(key, value)
		}
		// Reload config struct to pick up overrides
		if err := viper.Unmarshal(&cfg); err != nil {
			slog.Error("Failed to apply overrides to config", "error", err)
			os.Exit(1)
		}
	}

	return &cfg
}

// BindFlags binds pflags to viper keys. bindFlags is a map of pflag names to viper keys.
func BindFlags(bindFlags map[string]string) {
	for flagName, viperKey := range bindFlags {
		if err := viper.BindPFlag(viperKey, pflag.Lookup(flagName)); err != nil {
			slog.Error("Failed to bind flag", "flag", flagName, "error", err)
			os.Exit(1)
		}
	}
}
