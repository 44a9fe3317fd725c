// Package command builds oneslot's single cobra command tree.
package command

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oneslot/oneslot/internal/backend"
	"github.com/oneslot/oneslot/internal/driver"
	"github.com/oneslot/oneslot/internal/frontend"
	"github.com/oneslot/oneslot/internal/manager"
	"github.com/oneslot/oneslot/internal/muxconfig"
	"github.com/oneslot/oneslot/internal/muxlog"
	"github.com/oneslot/oneslot/internal/warmup"

	// Drivers register themselves with the driver package via init().
	_ "github.com/oneslot/oneslot/internal/driver/comfyui"
	_ "github.com/oneslot/oneslot/internal/driver/koboldcpp"
	_ "github.com/oneslot/oneslot/internal/driver/llamacpp"
	_ "github.com/oneslot/oneslot/internal/driver/ollama"
	_ "github.com/oneslot/oneslot/internal/driver/sdwebui"
)

// Execute runs the root command using os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "oneslot",
		Short: "Multiplex local inference backends behind one HTTP front-end per server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.json", "path to the configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	return cmd
}

func run(parent context.Context, configPath, logLevel string) error {
	log := muxlog.New(muxlog.ParseLevel(logLevel))

	cfg, err := muxconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr := manager.New(log)

	for _, server := range cfg.Servers {
		for _, endpoint := range server.Endpoints {
			backendCfg := cfg.Backends[endpoint.Backend]

			d, err := driver.New(backendCfg.Type)
			if err != nil {
				return fmt.Errorf("server %q endpoint %q: %w", server.Name, endpoint.Name, err)
			}

			b, err := backend.New(server.Name, endpoint.Name, server.Host, d, backendCfg, endpoint, cfg.TempDir, log)
			if err != nil {
				return fmt.Errorf("server %q endpoint %q: %w", server.Name, endpoint.Name, err)
			}
			mgr.Register(b)
		}
	}

	servers := make([]*frontend.Server, 0, len(cfg.Servers))
	for _, serverCfg := range cfg.Servers {
		servers = append(servers, frontend.New(serverCfg, mgr, log))
	}

	listeners := make([]net.Listener, len(servers))
	for i, srv := range servers {
		ln, err := srv.Listen()
		if err != nil {
			return fmt.Errorf("binding server %q: %w", cfg.Servers[i].Name, err)
		}
		listeners[i] = ln
	}

	serveErrors := make(chan error, len(servers))
	for i, srv := range servers {
		go func(srv *frontend.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				serveErrors <- err
				return
			}
			serveErrors <- nil
		}(srv, listeners[i])
	}

	if err := warmup.Run(ctx, mgr, cfg.Warmup, log); err != nil {
		log.Error("warmup failed", "error", err)
	}

	select {
	case err := <-serveErrors:
		if err != nil {
			log.Error("server error", "error", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), frontend.ShutdownTimeout)
	defer shutdownCancel()

	for i, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", "server", cfg.Servers[i].Name, "error", err)
		}
	}

	mgr.ShutdownAll(context.Background())

	log.Info("oneslot stopped")
	return nil
}
