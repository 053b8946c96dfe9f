// Command aweb runs the coordination server: HTTP+SSE transport over the
// mail, chat, reservation, and presence primitives (spec.md §6), grounded
// on the reference fleet's cobra root-command-plus-serve-subcommand shape
// (internal/cli/root.go, internal/cli/serve.go).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aweb/aweb/internal/auth"
	"github.com/aweb/aweb/internal/chat"
	"github.com/aweb/aweb/internal/config"
	"github.com/aweb/aweb/internal/events"
	"github.com/aweb/aweb/internal/httpapi"
	"github.com/aweb/aweb/internal/kv"
	"github.com/aweb/aweb/internal/mail"
	"github.com/aweb/aweb/internal/presence"
	"github.com/aweb/aweb/internal/reservation"
	"github.com/aweb/aweb/internal/store"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("aweb exited with error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aweb",
		Short: "aweb coordinates AI agents over mail, chat, reservations, and presence",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: "+config.DefaultPath()+")")
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending schema migrations to the durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.Open(cfg.StoreDSN)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			if err := st.Migrate(); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the HTTP+SSE coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "HTTP bind host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP bind port (overrides config)")
	return cmd
}

func runServe(cfg *config.Config) error {
	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	authn := auth.New(st, cfg.ProxyTrustEnabled, cfg.ProxyTrustSigningKey, cfg.ProxyTrustClockSkew())

	bus := events.NewEventBus()
	tracker := presenceTracker(cfg)

	mailSvc := mail.New(st, bus)
	chatSvc := chat.New(st, bus, tracker, cfg.HangOnExtension())
	resSvc := reservation.New(st, cfg)

	srv := httpapi.New(cfg, st, authn, mailSvc, chatSvc, resSvc, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// presenceTracker wires a Redis-backed KV when configured, falling back
// to an in-process store so presence degrades gracefully instead of
// blocking startup (spec.md §7, UNAVAILABLE never takes down the
// durable-store cores).
func presenceTracker(cfg *config.Config) *presence.Tracker {
	if cfg.KVAddr == "" {
		return presence.NewTracker(kv.NewMemStore(), cfg.HeartbeatTTL())
	}
	store, err := kv.NewRedisStore(cfg.KVAddr, cfg.KVPassword, cfg.KVDB)
	if err != nil {
		slog.Warn("ephemeral kv unreachable, falling back to in-process presence", "error", err)
		return presence.NewTracker(kv.NewMemStore(), cfg.HeartbeatTTL())
	}
	return presence.NewTracker(store, cfg.HeartbeatTTL())
}
