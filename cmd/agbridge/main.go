// Package main provides the agbridge CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agbridge/agbridge/cmd/agbridge/app"
	"github.com/agbridge/agbridge/cmd/config"
	"github.com/agbridge/agbridge/lib/cdp"
	"github.com/agbridge/agbridge/lib/chat"
	"github.com/agbridge/agbridge/lib/diag"
	"github.com/agbridge/agbridge/lib/store"
	"github.com/agbridge/agbridge/lib/templates"
	"github.com/agbridge/agbridge/lib/transcript"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agbridge",
		Short: "Drive the Antigravity assistant from chat",
		Long: `agbridge bridges chat channels to the Antigravity desktop assistant.
Prompts typed in a bound channel are injected into the workbench over the
DevTools protocol; the reply streams back into the channel as it is written.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("agbridge v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Run the bridge daemon",
		RunE:  runStart,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check the local setup end to end",
		RunE:  runDoctor,
	})

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Answer a few questions and write the daemon's env file",
		RunE:  runSetup,
	}
	setupCmd.Flags().String("env-file", "agbridge.env", "where the answers land")
	rootCmd.AddCommand(setupCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "open",
		Short: "Launch the assistant with its debug port enabled",
		RunE:  runOpen,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, _ []string) error {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slogger.Info("daemon configuration",
		"cdpHost", cfg.CDPHost, "cdpPorts", cfg.CDPPorts,
		"statePath", cfg.StatePath, "diagAddr", cfg.DiagAddr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer st.Close()

	catalog, err := templates.Load(cfg.TemplatesPath, slogger)
	if err != nil {
		return err
	}
	defer catalog.Close()

	if cfg.ChatToken != "" {
		slogger.Warn("chat token is set but this build only ships the console transport")
	}
	transport := chat.NewConsole(os.Stdin, os.Stdout, "", slogger)
	transcripts := transcript.NewWriter(cfg.TranscriptDir, slogger)

	d, err := app.NewDaemon(app.Options{
		Transport:   transport,
		Store:       st,
		Transcripts: transcripts,
		Exporter:    transcripts,
		Templates:   catalog,
		CDP: cdp.Config{
			Host:  cfg.CDPHost,
			Ports: cfg.CDPPorts,
		},
		ReadyTimeout: cfg.ReadyTimeout,
		AllowedUsers: cfg.AllowedUsers,
		Logger:       slogger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.DiagAddr,
		Handler: diag.Handler(diag.Config{
			Pool:      d.Pool(),
			Bindings:  st.Bindings(),
			StartedAt: time.Now(),
			Logger:    slogger,
		}),
	}
	go func() {
		slogger.Info("diagnostics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("diagnostics server failed", "err", err)
			stop()
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()
	slogger.Info("daemon running; bind a channel with !bind /path/to/workspace, then type a prompt")

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slogger.Error("daemon stopped", "err", err)
		}
	}
	slogger.Info("shutting down")

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error {
		d.Close()
		return transport.Close()
	})
	if err := g.Wait(); err != nil {
		slogger.Error("failed to shut down cleanly", "err", err)
	}
	return nil
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rep := app.RunDoctor(cmd.Context(), cfg)
	rep.Print(os.Stdout)
	if rep.Failed() {
		return errors.New("doctor found problems")
	}
	return nil
}

func runSetup(cmd *cobra.Command, _ []string) error {
	envPath, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return err
	}
	return app.RunSetup(app.SetupOptions{EnvPath: envPath})
}

func runOpen(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.RunOpen(ctx, cfg, os.Stdout)
}
