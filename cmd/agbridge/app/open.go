package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/agbridge/agbridge/cmd/config"
	"github.com/agbridge/agbridge/lib/launcher"
)

// RunOpen launches the assistant with its debug port enabled and stays in
// the foreground. The DevTools URL is printed as soon as the assistant logs
// it; the call returns when the assistant exits or ctx is canceled. No
// banner within cfg.ReadyTimeout kills the launch.
func RunOpen(ctx context.Context, cfg *config.Config, out io.Writer) error {
	proc, err := launcher.Start(launcher.Options{
		Path:       cfg.AssistantPath,
		DebugPort:  cfg.DebugPort,
		ExtraFlags: launcher.Parse(cfg.AssistantFlags),
	})
	if err != nil {
		return err
	}
	defer proc.Stop()

	fmt.Fprintf(out, "Launched %s (pid %d) with debug port %d.\n",
		cfg.AssistantPath, proc.Pid(), cfg.DebugPort)

	select {
	case url := <-proc.Banner():
		fmt.Fprintf(out, "DevTools listening on %s\n", url)
		fmt.Fprintf(out, "Leave this running; in another terminal: agbridge start\n")
	case err := <-proc.Exited():
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s exited before printing a DevTools banner: %w", cfg.AssistantPath, err)
		}
		return fmt.Errorf("%s exited before printing a DevTools banner", cfg.AssistantPath)
	case <-time.After(cfg.ReadyTimeout):
		proc.Stop()
		<-proc.Exited()
		return fmt.Errorf("no DevTools banner within %s; is %s a debug-enabled build?",
			cfg.ReadyTimeout, cfg.AssistantPath)
	case <-ctx.Done():
		return nil
	}

	select {
	case err := <-proc.Exited():
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("%s: %w", cfg.AssistantPath, err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}
