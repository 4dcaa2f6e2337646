package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/iblai/iblai-web-mentor/internal/tui/monitor"
)

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor [config-file]",
		Short: "Start the broker with a live dashboard",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runMonitor,
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("monitor needs a terminal; use 'serve' when running headless")
	}

	configPath := resolveConfigPath(cmd, args, "mentor-embed.json")

	s, err := buildStack(configPath, true)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	defer s.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- serveStack(ctx, s)
	}()

	statusFn := func() monitor.Status {
		st := monitor.Status{
			Tenant:        s.cfg.Widget.Tenant,
			Mentor:        s.cfg.Widget.Mentor,
			SharingActive: s.popups.SharingActive(),
		}
		if creds, ok := s.broker.Credentials(); ok {
			st.UserID = creds.UserID()
			st.AccessValid = creds.AccessValid(time.Now())
		}
		return st
	}

	err = monitor.Run(ctx, s.bus, statusFn)
	cancel()
	<-serveErr
	return err
}
