package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config-file]",
		Short: "Start the broker",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "mentor-embed.json")

	s, err := buildStack(configPath, false)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	defer s.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	s.logger.Info("mentor-embed starting", "version", version, "config", configPath,
		"tenant", s.cfg.Widget.Tenant, "mentor", s.cfg.Widget.Mentor)

	return serveStack(ctx, s)
}

// serveStack runs the HTTP listener, the broker, and the context relay
// until ctx is cancelled.
func serveStack(ctx context.Context, s *stack) error {
	s.broker.Start(ctx)
	if s.relay != nil {
		go s.relay.Run(ctx)
	}

	httpSrv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("listening", "addr", s.cfg.Server.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	s.logger.Info("broker stopped")
	return nil
}
