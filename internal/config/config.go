package config

import (
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the gateway.
type Config struct {
	Port            int
	CLIPath         string
	Workspace       string // child working directory
	ClaudeConfigDir string // the CLI's own config/auth dir (session store lives here)
	StateDir        string // registry SQLite; empty = in-memory registry only
	WebhookSecret   string
	UpdateScript    string
	AliasMapFile    string

	SessionTTL         time.Duration // 0 disables eviction
	IdleTimeout        time.Duration // baseline watchdog
	ToolIdleTimeout    time.Duration // while a tool is executing
	CompactIdleTimeout time.Duration // while the CLI compacts context
	KeepaliveInterval  time.Duration // SSE comment keepalive; 0 disables
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/clauderelay).
func Load() Config {
	return Config{
		Port:            viper.GetInt("port"),
		CLIPath:         viper.GetString("cli_path"),
		Workspace:       viper.GetString("workspace"),
		ClaudeConfigDir: viper.GetString("claude_config_dir"),
		StateDir:        viper.GetString("state_dir"),
		WebhookSecret:   viper.GetString("webhook_secret"),
		UpdateScript:    viper.GetString("update_script"),
		AliasMapFile:    viper.GetString("alias_map"),

		SessionTTL:         viper.GetDuration("session_ttl"),
		IdleTimeout:        viper.GetDuration("idle_timeout"),
		ToolIdleTimeout:    viper.GetDuration("tool_idle_timeout"),
		CompactIdleTimeout: viper.GetDuration("compact_idle_timeout"),
		KeepaliveInterval:  viper.GetDuration("keepalive_interval"),
	}
}
