package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nbpilot/internal/assets"
	"nbpilot/internal/config"
	"nbpilot/internal/kernel"
	"nbpilot/internal/logging"
	"nbpilot/internal/notebook"
	"nbpilot/internal/sanitize"
	"nbpilot/internal/server"
	"nbpilot/internal/session"
)

var version = "0.3.0"

func main() {
	var (
		configPath string
		verbose    bool
		useSSE     bool
		host       string
		port       string
	)

	root := &cobra.Command{
		Use:           "nbpilot",
		Short:         "Notebook kernel sessions for coding agents, over MCP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSONC config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging to stderr")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server (stdio by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, verbose, useSSE, host, port)
		},
	}
	serve.Flags().BoolVar(&useSSE, "sse", false, "serve over HTTP/SSE instead of stdio")
	serve.Flags().StringVar(&host, "host", "", "SSE listen host (overrides config)")
	serve.Flags().StringVar(&port, "port", "", "SSE listen port (overrides config)")
	root.AddCommand(serve)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("nbpilot", version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(configPath string, verbose, useSSE bool, host, port string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	mgr := buildManager(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := server.NewHandlers(mgr, logger)
	s := server.New(h, version)

	if useSSE {
		sseCfg := server.SSEConfig{Host: cfg.Server.Host, Port: cfg.Server.Port}
		if host != "" {
			sseCfg.Host = host
		}
		if port != "" {
			sseCfg.Port = port
		}
		err = server.ServeSSE(ctx, s, sseCfg, logger)
	} else {
		// Stdio returns when the client closes the pipe; kernels still need
		// a clean stop afterwards.
		err = server.ServeStdio(s)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := mgr.ShutdownAll(shutdownCtx); serr != nil {
		logger.Warn("shutdown", zap.Error(serr))
	}
	return err
}

func buildManager(cfg config.Config, logger *zap.Logger) *session.Manager {
	store := assets.NewStore(cfg.Assets.Root, logger)
	san := sanitize.New(sanitize.Limits{
		InlineBytes:  cfg.Limits.InlineLimitBytes,
		TableMaxRows: cfg.Limits.TableMaxRows,
		TableMaxCols: cfg.Limits.TableMaxCols,
	}, store, logger)

	startup := cfg.Kernel.StartupTimeout()
	factory := func(workdir string, env map[string]string) session.Kernel {
		command := append([]string(nil), cfg.Kernel.Command...)
		// "interpreter" swaps the launcher binary; everything else is passed
		// through as environment.
		var extra []string
		for k, v := range env {
			if k == "interpreter" {
				command[0] = v
				continue
			}
			extra = append(extra, k+"="+v)
		}
		return kernel.NewProc(command, workdir, extra, startup, logger)
	}

	sessCfg := session.Config{
		QueueCapacity:      cfg.Limits.QueueCapacity,
		RetainedExecutions: cfg.Limits.RetainedExecutions,
		ShutdownTimeout:    cfg.Kernel.ShutdownTimeout(),
	}
	return session.NewManager(sessCfg, notebook.NewFiles(), store, san, factory, logger)
}
