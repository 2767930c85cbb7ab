// Command chatrelayd runs the multi-room chat relay server plus its
// read-only admin HTTP surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chatrelay/internal/httpapi"
	"chatrelay/internal/relay"
	"chatrelay/internal/room"
)

// version is stamped at release time; "dev" covers local builds.
var version = "dev"

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		port        int
		adminAddr   string
		maxSessions int
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "chatrelayd [port]",
		Short: "Multi-room TCP chat relay server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				p, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid port %q: %w", args[0], err)
				}
				port = p
			}
			return run(cmd.Context(), port, adminAddr, maxSessions, logLevel)
		},
	}

	cmd.Flags().IntVar(&port, "port", envIntOr("CHATRELAY_PORT", 3490), "TCP port the chat relay listens on")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", envOr("CHATRELAY_ADMIN_ADDR", ":8490"), "listen address for the admin HTTP surface")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", envIntOr("CHATRELAY_MAX_SESSIONS", 0), "maximum concurrent sessions (0 = unlimited)")
	cmd.Flags().StringVar(&logLevel, "log-level", envOr("CHATRELAY_LOG_LEVEL", "info"), "log level: debug, info, warn, error")

	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chatrelayd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("chatrelayd " + version)
			return nil
		},
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, port int, adminAddr string, maxSessions int, logLevel string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := room.NewRegistry()
	stats := &relay.Stats{}

	relayAddr := fmt.Sprintf(":%d", port)
	relayServer := relay.New(relayAddr, maxSessions, registry, stats, logger)
	adminServer := httpapi.New(registry, stats)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relayServer.Run(gctx)
	})
	g.Go(func() error {
		return adminServer.Run(gctx, adminAddr)
	})

	logger.Info("chatrelayd starting", "relay_addr", relayAddr, "admin_addr", adminAddr, "max_sessions", maxSessions, "version", version)

	if err := g.Wait(); err != nil {
		logger.Error("chatrelayd exiting with error", "err", err)
		return err
	}
	logger.Info("chatrelayd stopped")
	return nil
}
