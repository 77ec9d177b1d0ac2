package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-dictate/internal/audio/mic"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/console"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/runtime"
	"github.com/loqalabs/loqa-dictate/internal/toggle"
)

var version = "0.1.0-dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "loqa-dictate",
	Short:         "Push-to-talk dictation into the focused window",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the dictation daemon",
	RunE:  runDaemon,
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Start or stop recording in the running daemon",
	RunE:  runToggle,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent dictation cycles",
	RunE:  runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and exit",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")

	runCmd.Flags().Bool("tui", false, "Show the terminal console")
	runCmd.Flags().String("log-file", "", "Write logs to this file instead of stderr")
	toggleCmd.Flags().String("socket", "", "Toggle socket path (defaults to toggle.socket_path)")
	historyCmd.Flags().Int("limit", 20, "Number of cycles to show")

	rootCmd.AddCommand(runCmd, toggleCmd, historyCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(config.ResolvePath(configPath))
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tui, _ := cmd.Flags().GetBool("tui")
	logFile, _ := cmd.Flags().GetString("log-file")

	var out io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		out = f
	} else if tui {
		out = io.Discard
	}
	logger := runtime.NewLogger(cfg.Telemetry, out)

	var opts []runtime.Option
	if cfg.Audio.Backend == "portaudio" {
		opts = append(opts, runtime.WithOpener(mic.NewOpener()))
	}
	if tui {
		opts = append(opts, runtime.WithForeground(func(ctx context.Context, ctrl *dictation.Controller) error {
			return console.Run(ctx, ctrl)
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, logger, opts...)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func runToggle(cmd *cobra.Command, _ []string) error {
	socket, _ := cmd.Flags().GetString("socket")
	if socket == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		socket = cfg.Toggle.SocketPath
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	return toggle.Send(ctx, socket)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.History.RetentionMode == "ephemeral" {
		fmt.Fprintln(cmd.OutOrStdout(), "history is disabled (retention_mode: ephemeral)")
		return nil
	}
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := history.OpenReadOnly(cmd.Context(), cfg.History.Path, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListRecent(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Time", "Tone", "Outcome", "Method", "Total", "Text"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	for _, e := range entries {
		text := e.Final
		if e.Outcome == "failed" {
			text = e.ErrorKind + ": " + e.Error
		}
		table.Append([]string{
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Tone,
			e.Outcome,
			e.Method,
			fmt.Sprintf("%.2f s", e.Total.Seconds()),
			text,
		})
	}
	table.Render()
	return nil
}
