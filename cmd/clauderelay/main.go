package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joestump/claude-relay/internal/config"
	"github.com/joestump/claude-relay/internal/db"
	"github.com/joestump/claude-relay/internal/hub"
	"github.com/joestump/claude-relay/internal/identity"
	"github.com/joestump/claude-relay/internal/session"
	"github.com/joestump/claude-relay/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clauderelay",
		Short: "Local Messages API gateway over the claude CLI",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.Int("port", 8084, "HTTP listen port")
	f.String("cli-path", "claude", "path to the claude CLI binary")
	f.String("workspace", ".", "working directory for CLI child processes")
	f.String("claude-config-dir", defaultConfigDir(), "the CLI's config dir (session store lives here)")
	f.String("state-dir", "", "directory for the registry database; empty keeps sessions in memory")
	f.String("webhook-secret", "", "HMAC secret for the deploy webhook")
	f.String("update-script", "", "script launched by the deploy webhook")
	f.String("alias-map", "", "path to the identity alias map JSON")
	f.Duration("session-ttl", 0, "evict idle sessions after this long; 0 disables")
	f.Duration("idle-timeout", 60*time.Second, "kill the child after this much stdout silence")
	f.Duration("tool-idle-timeout", 5*time.Minute, "idle timeout while a tool is executing")
	f.Duration("compact-idle-timeout", 10*time.Minute, "idle timeout while the CLI compacts context")
	f.Duration("keepalive-interval", 15*time.Second, "SSE comment keepalive period; 0 disables")

	// Viper keys use underscores so they match the env var suffix after
	// stripping the CLAUDERELAY_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("port", "port")
	bindFlag("cli_path", "cli-path")
	bindFlag("workspace", "workspace")
	bindFlag("claude_config_dir", "claude-config-dir")
	bindFlag("state_dir", "state-dir")
	bindFlag("webhook_secret", "webhook-secret")
	bindFlag("update_script", "update-script")
	bindFlag("alias_map", "alias-map")
	bindFlag("session_ttl", "session-ttl")
	bindFlag("idle_timeout", "idle-timeout")
	bindFlag("tool_idle_timeout", "tool-idle-timeout")
	bindFlag("compact_idle_timeout", "compact-idle-timeout")
	bindFlag("keepalive_interval", "keepalive-interval")

	viper.SetEnvPrefix("CLAUDERELAY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	fmt.Printf("Claude Relay %s starting\n", config.Version)
	fmt.Printf("  Port: :%d\n", cfg.Port)
	fmt.Printf("  CLI: %s\n", cfg.CLIPath)
	fmt.Printf("  Workspace: %s\n", cfg.Workspace)
	fmt.Printf("  Config dir: %s\n", cfg.ClaudeConfigDir)
	if cfg.StateDir != "" {
		fmt.Printf("  State: %s\n", cfg.StateDir)
	}
	fmt.Println()

	var store *db.DB
	if cfg.StateDir != "" {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		var err error
		store, err = db.Open(filepath.Join(cfg.StateDir, "clauderelay.db"))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close() //nolint:errcheck
	}

	registry, err := session.NewRegistry(store, cfg.SessionTTL)
	if err != nil {
		return err
	}
	if n := registry.Len(); n > 0 {
		log.Printf("restored %d persisted sessions", n)
	}

	aliases, err := identity.LoadAliasMap(cfg.AliasMapFile)
	if err != nil {
		return err
	}

	monitorHub := hub.New()
	engine := session.NewEngine(
		registry,
		session.CLIRunner{},
		monitorHub,
		cfg.CLIPath,
		cfg.Workspace,
		session.SessionDir(cfg.ClaudeConfigDir, cfg.Workspace),
		session.Timeouts{
			Base:    cfg.IdleTimeout,
			Tool:    cfg.ToolIdleTimeout,
			Compact: cfg.CompactIdleTimeout,
		},
	)

	server := web.New(cfg, engine, monitorHub, aliases)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	engine.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}
