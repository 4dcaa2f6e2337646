package monitor

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/iblai/iblai-web-mentor/internal/eventbus"
)

// StatusFunc produces a fresh status snapshot for the header.
type StatusFunc func() Status

// Run displays the monitor until the user quits or ctx is cancelled. It
// subscribes to the bus in-process, so it runs alongside the serve loop.
func Run(ctx context.Context, bus *eventbus.Bus, statusFn StatusFunc) error {
	m := NewModel(statusFn())
	p := tea.NewProgram(m, tea.WithAltScreen())

	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	go func() {
		for evt := range ch {
			p.Send(EventMsg{Type: evt.Type, Data: evt.Data})
		}
	}()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.Quit()
				return
			case <-ticker.C:
				p.Send(StatusMsg{Status: statusFn()})
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}
