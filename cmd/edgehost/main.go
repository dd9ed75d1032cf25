package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	edgehost "github.com/cryguy/edgehost"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edgehost",
		Short: "Multi-tenant edge worker runtime host",
	}
	cmd.AddCommand(serveCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		configPath    string
		socketAddrs   []string
		externalAddrs []string
		dirPaths      []string
		verbose       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sockets defined in the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := edgehost.LoadConfig(configPath)
			if err != nil {
				return err
			}

			overrides := edgehost.Overrides{
				SocketAddrs:    map[string]string{},
				ExternalAddrs:  map[string]string{},
				DirectoryPaths: map[string]string{},
			}
			if err := parseOverrides(socketAddrs, overrides.SocketAddrs); err != nil {
				return fmt.Errorf("--socket-addr: %w", err)
			}
			if err := parseOverrides(externalAddrs, overrides.ExternalAddrs); err != nil {
				return fmt.Errorf("--external-addr: %w", err)
			}
			if err := parseOverrides(dirPaths, overrides.DirectoryPaths); err != nil {
				return fmt.Errorf("--directory-path: %w", err)
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := edgehost.NewServer()
			server.Log = log
			server.Overrides = overrides

			err = server.Run(ctx, cfg)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "edgehost.yaml", "config file path")
	cmd.Flags().StringArrayVar(&socketAddrs, "socket-addr", nil, "override a socket address (NAME=ADDR)")
	cmd.Flags().StringArrayVar(&externalAddrs, "external-addr", nil, "override an external service address (NAME=ADDR)")
	cmd.Flags().StringArrayVar(&dirPaths, "directory-path", nil, "override a disk directory path (NAME=PATH)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// parseOverrides splits repeated NAME=VALUE flags into the override map.
func parseOverrides(entries []string, into map[string]string) error {
	for _, entry := range entries {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			return fmt.Errorf("expected NAME=VALUE, got %q", entry)
		}
		into[name] = value
	}
	return nil
}
