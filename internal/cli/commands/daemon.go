package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"driveforest/internal/daemon"
	"driveforest/internal/util"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long:  `Commands for controlling the driveforest daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long:  `Starts the driveforest daemon in the background and mirrors the configured drives.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  `Stops the running driveforest daemon.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Shows whether the daemon runs, its drives and reconciliation progress.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Configure daemon settings",
	Long: `Configure persistent daemon settings.

Settings are stored in ~/.driveforest/settings.yaml. Log level, excludes,
drives and the rescan interval are applied to a running daemon; other
settings take effect on next daemon start.

Examples:
  # Enable debug logging
  driveforest daemon config --logging debug

  # Keep records in a sidecar database instead of extended attributes
  driveforest daemon config --attr-backend sqlite

  # Force a full rescan every 10 minutes
  driveforest daemon config --rescan-interval 600

  # Show current configuration
  driveforest daemon config`,
	Args: cobra.NoArgs,
	RunE: runDaemonConfig,
}

var daemonForeground bool
var daemonLogLevel string
var daemonRestart bool
var daemonSkipCleanup bool
var configLogLevel string
var configAttrBackend string
var configRescanInterval int
var configHashCommand string
var configIdentifyCommand string

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForeground, "foreground", "f", false, "Run in foreground")
	daemonStartCmd.Flags().StringVar(&daemonLogLevel, "logging", "", "Override the log level for this run")
	daemonStartCmd.Flags().BoolVar(&daemonRestart, "restart", false, "Restart daemon if already running (no confirmation)")
	daemonStartCmd.Flags().BoolVar(&daemonSkipCleanup, "skip-cleanup", false, "Skip removal of a stale PID file and socket")
	daemonConfigCmd.Flags().StringVar(&configLogLevel, "logging", "", "Log level: trace, debug, info, warn, none")
	daemonConfigCmd.Flags().StringVar(&configAttrBackend, "attr-backend", "", "Record backend: xattr, sqlite")
	daemonConfigCmd.Flags().IntVar(&configRescanInterval, "rescan-interval", -1, "Forced rescan period in seconds, 0 disables")
	daemonConfigCmd.Flags().StringVar(&configHashCommand, "hash-command", "", "External hash command, \"builtin\" for in-process SHA-256")
	daemonConfigCmd.Flags().StringVar(&configIdentifyCommand, "identify-command", "", "External identify command, \"builtin\" for content sniffing")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonConfigCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()

		if !daemonRestart {
			fmt.Printf("Daemon already running (PID %d)\n", pid)
			fmt.Println("Use --restart to restart the daemon")
			return nil
		}
		fmt.Printf("Daemon already running (PID %d), restarting...\n", pid)
		if err := stopDaemonAndWait(); err != nil {
			return fmt.Errorf("failed to stop daemon for restart: %w", err)
		}
	}

	if daemonForeground {
		d := daemon.New()
		d.LogLevel = daemonLogLevel
		d.SkipCleanup = daemonSkipCleanup
		return d.Run()
	}

	cmdArgs := []string{"daemon", "start", "--foreground"}
	if daemonLogLevel != "" {
		cmdArgs = append(cmdArgs, "--logging", daemonLogLevel)
	}
	if daemonSkipCleanup {
		cmdArgs = append(cmdArgs, "--skip-cleanup")
	}
	if _, err := util.StartDetached(cmdArgs); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Drives are attached before the IPC server starts, so large drives
	// delay readiness.
	if util.PollUntil(context.Background(), util.StartupPollConfig(), daemon.IsDaemonRunning) == nil {
		pid, _ := daemon.GetPID()
		fmt.Printf("Daemon started (PID %d)\n", pid)
		return nil
	}

	return fmt.Errorf("daemon did not start, see %s", daemon.LogPath())
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("Daemon not running")
		if result := daemon.CleanupStale(); result.CleanedPidFile || result.CleanedSocket {
			fmt.Printf("Cleanup: %s\n", daemon.FormatCleanupResult(result))
		}
		return nil
	}

	if err := stopDaemonAndWait(); err != nil {
		return err
	}

	fmt.Println("Daemon stopped")
	return nil
}

// stopDaemonAndWait stops the daemon and waits for it to exit, killing it
// if it does not stop in time.
func stopDaemonAndWait() error {
	pid, _ := daemon.GetPID()

	graceful := func() error {
		return withClient(func(c *daemon.Client) error {
			_, err := c.Stop()
			return err
		})
	}
	cfg := util.StopConfig{GracefulTimeout: 10 * time.Second, PollInterval: 25 * time.Millisecond}
	if err := util.StopProcess(context.Background(), pid, cfg, graceful, daemon.IsDaemonRunning); err != nil {
		return err
	}

	daemon.CleanupStale()
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if !daemon.IsDaemonRunning() {
		fmt.Println("Daemon: not running")
		fmt.Printf("Configured drives: %d\n", len(settings.Drives))
		fmt.Printf("Log level: %s\n", displayLogLevel(settings.LogLevel))
		return nil
	}

	return withClient(func(c *daemon.Client) error {
		resp, err := c.Status()
		if err != nil {
			return err
		}
		st := resp.Status
		state := "reconciling"
		if st.Idle {
			state = "idle"
		}
		fmt.Printf("Daemon: running (PID %d), %s\n", resp.PID, state)
		fmt.Printf("Started: %s\n", humanize.Time(time.Unix(st.StartedAt, 0)))
		fmt.Printf("Record backend: %s\n", st.Backend)
		fmt.Printf("Log level: %s\n", displayLogLevel(settings.LogLevel))
		fmt.Printf("Drives: %d\n", len(st.Drives))
		for _, d := range st.Drives {
			fmt.Printf("  %-16s %s (%s)\n", d.Name, d.Path, d.ID)
		}
		s := st.Stats
		fmt.Printf("Directories: %s\n", humanize.Comma(int64(s.Directories)))
		fmt.Printf("Files: %s (%s), %s hashed, %s distinct contents\n",
			humanize.Comma(int64(s.Files)), humanize.Bytes(uint64(s.Bytes)),
			humanize.Comma(int64(s.Hashed)), humanize.Comma(int64(s.UniqueHashes)))
		fmt.Printf("Probes running: %d\n", s.BusyProbes)
		fmt.Printf("Hash jobs: %d running, %d pending\n", s.HashRunning, s.HashPending)
		fmt.Printf("Identify jobs: %d running, %d pending\n", s.IdentifyRunning, s.IdentifyPending)
		return nil
	})
}

func displayLogLevel(level string) string {
	if level == "" || level == "off" {
		return "none"
	}
	return level
}

func runDaemonConfig(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	flags := cmd.Flags()
	if flags.NFlag() == 0 {
		data, err := yaml.Marshal(settings)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n", daemon.GlobalSettingsPath())
		os.Stdout.Write(data)
		return nil
	}

	if configLogLevel != "" {
		level := strings.ToLower(configLogLevel)
		if level == "off" {
			level = "none"
		}
		settings.LogLevel = level
	}
	if configAttrBackend != "" {
		settings.AttrBackend = configAttrBackend
	}
	if flags.Changed("rescan-interval") {
		if configRescanInterval < 0 {
			return fmt.Errorf("invalid --rescan-interval %d: must be 0 or more", configRescanInterval)
		}
		settings.RescanIntervalS = configRescanInterval
	}
	if flags.Changed("hash-command") {
		settings.HashCommand = builtinOr(configHashCommand)
	}
	if flags.Changed("identify-command") {
		settings.IdentifyCommand = builtinOr(configIdentifyCommand)
	}

	if err := daemon.SaveGlobalSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Println("Settings saved")
	notifyReload()
	return nil
}

// builtinOr maps "builtin" to the empty command.
func builtinOr(command string) string {
	if command == "builtin" {
		return ""
	}
	return command
}
