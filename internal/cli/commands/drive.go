package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"driveforest/internal/common"
	"driveforest/internal/daemon"
)

var driveCmd = &cobra.Command{
	Use:   "drive",
	Short: "Manage mirrored drives",
	Long:  `Add, remove and list the drives mirrored by the daemon. Changes are saved to settings.yaml and applied to a running daemon.`,
}

var driveAddCmd = &cobra.Command{
	Use:   "add <name> <path>",
	Short: "Mirror a directory as a drive",
	Args:  cobra.ExactArgs(2),
	RunE:  runDriveAdd,
}

var driveRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Stop mirroring a drive",
	Args:  cobra.ExactArgs(1),
	RunE:  runDriveRemove,
}

var driveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured drives",
	Args:  cobra.NoArgs,
	RunE:  runDriveList,
}

var driveID string

func init() {
	driveAddCmd.Flags().StringVar(&driveID, "id", "", "Identity to stamp on the drive root (default: keep or mint one)")
	driveCmd.AddCommand(driveAddCmd)
	driveCmd.AddCommand(driveRemoveCmd)
	driveCmd.AddCommand(driveListCmd)
	rootCmd.AddCommand(driveCmd)
}

// addDrive appends a drive to settings after checking the path is a
// directory and does not overlap a configured drive.
func addDrive(settings *daemon.GlobalSettings, name, path, id string) (daemon.DriveSettings, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return daemon.DriveSettings{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return daemon.DriveSettings{}, err
	}
	if !fi.IsDir() {
		return daemon.DriveSettings{}, fmt.Errorf("%s is not a directory", abs)
	}
	if id != "" {
		if _, err := uuid.Parse(id); err != nil {
			return daemon.DriveSettings{}, fmt.Errorf("invalid --id %q: %w", id, err)
		}
	}
	if _, ok := settings.Drive(name); ok {
		return daemon.DriveSettings{}, fmt.Errorf("drive %q already exists", name)
	}
	for _, d := range settings.Drives {
		other, err := filepath.Abs(d.Path)
		if err != nil {
			continue
		}
		if common.IsWithin(abs, other) || common.IsWithin(other, abs) {
			return daemon.DriveSettings{}, fmt.Errorf("%s overlaps drive %q at %s", abs, d.Name, other)
		}
	}

	ds := daemon.DriveSettings{Name: name, Path: abs, ID: id}
	settings.Drives = append(settings.Drives, ds)
	return ds, nil
}

// removeDrive drops the named drive from settings.
func removeDrive(settings *daemon.GlobalSettings, name string) error {
	for i, d := range settings.Drives {
		if d.Name == name {
			settings.Drives = append(settings.Drives[:i], settings.Drives[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no drive named %q", name)
}

func runDriveAdd(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	ds, err := addDrive(settings, args[0], args[1], driveID)
	if err != nil {
		return err
	}
	if err := daemon.SaveGlobalSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Printf("Added drive %s at %s\n", ds.Name, ds.Path)
	notifyReload()
	return nil
}

func runDriveRemove(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if err := removeDrive(settings, args[0]); err != nil {
		return err
	}
	if err := daemon.SaveGlobalSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Printf("Removed drive %s\n", args[0])
	notifyReload()
	return nil
}

func runDriveList(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if len(settings.Drives) == 0 {
		fmt.Println("No drives configured")
		return nil
	}

	// Identities of attached drives, when the daemon runs.
	attached := make(map[string]string)
	if daemon.IsDaemonRunning() {
		_ = withClient(func(c *daemon.Client) error {
			resp, err := c.Status()
			if err != nil {
				return err
			}
			for _, d := range resp.Status.Drives {
				attached[d.Name] = d.ID
			}
			return nil
		})
	}

	for _, d := range settings.Drives {
		state := "configured"
		if id, ok := attached[d.Name]; ok {
			state = "attached " + id
		} else if daemon.IsDaemonRunning() {
			state = "not attached"
		}
		fmt.Printf("%-16s %-40s %s\n", d.Name, d.Path, state)
	}
	return nil
}
