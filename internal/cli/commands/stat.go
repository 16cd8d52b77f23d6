package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"driveforest/internal/daemon"
	"driveforest/internal/meta"
	"driveforest/internal/storage"
)

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Show the persisted record of a file or directory",
	Long: `Reads the identity record of a file or directory directly, without the
daemon. A missing or stale record is created or repaired as a side effect,
exactly as the daemon would.`,
	Args: cobra.ExactArgs(1),
	RunE: runStat,
}

func init() {
	rootCmd.AddCommand(statCmd)
}

// openLayer opens the configured attribute store for offline use.
func openLayer() (*meta.Layer, storage.AttrStore, error) {
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load settings: %w", err)
	}
	store, err := storage.Open(settings.StorageOptions())
	if err != nil {
		return nil, nil, err
	}
	return meta.NewLayer(store), store, nil
}

func runStat(cmd *cobra.Command, args []string) error {
	layer, store, err := openLayer()
	if err != nil {
		return err
	}
	defer store.Close()

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	x, err := layer.ReadEntry(path)
	if err != nil {
		return err
	}
	printXstat(os.Stdout, path, x)
	return nil
}

func printXstat(w io.Writer, path string, x meta.Xstat) {
	fmt.Fprintf(w, "Path:        %s\n", path)
	fmt.Fprintf(w, "ID:          %s\n", x.ID)
	fmt.Fprintf(w, "Kind:        %s\n", x.Kind)
	fmt.Fprintf(w, "Modified:    %s\n", formatFingerprint(x.Fingerprint))
	if x.IsDir() {
		return
	}
	fmt.Fprintf(w, "Size:        %s (%s bytes)\n", humanize.Bytes(uint64(x.Size)), humanize.Comma(x.Size))
	if x.HasHash() {
		fmt.Fprintf(w, "Hash:        %s\n", x.Hash)
	} else {
		fmt.Fprintf(w, "Hash:        (none)\n")
	}
	if x.TypeClass != "" {
		fmt.Fprintf(w, "Type:        %s\n", x.TypeClass)
	}
}
