package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"driveforest/internal/daemon"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <id>",
	Short: "Find a mirrored file or directory by identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error {
			info, err := c.Lookup(args[0])
			if err != nil {
				return err
			}
			printEntry(os.Stdout, *info)
			return nil
		})
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash <digest>",
	Short: "Find mirrored files by SHA-256 content hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error {
			entries, err := c.FindHash(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No mirrored file has this content")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  %s  %s\n", e.ID, humanize.Bytes(uint64(e.Size)), e.Path)
			}
			return nil
		})
	},
}

var probeForce bool

var probeCmd = &cobra.Command{
	Use:   "probe <id>",
	Short: "Re-read a directory (or the directory holding a file)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error {
			if err := c.Probe(args[0], probeForce); err != nil {
				return err
			}
			fmt.Println("Probe requested")
			return nil
		})
	},
}

var rescanForce bool

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Re-read every mirrored directory",
	Long: `Requests a probe of every mirrored directory. With --force, directories are
enumerated even when their modification time is unchanged, which is the only
way to notice files edited in place.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error {
			n, err := c.Rescan(rescanForce)
			if err != nil {
				return err
			}
			fmt.Printf("Requested %s probes\n", humanize.Comma(int64(n)))
			return nil
		})
	},
}

func init() {
	probeCmd.Flags().BoolVar(&probeForce, "force", false, "Enumerate even if the directory looks unchanged")
	rescanCmd.Flags().BoolVar(&rescanForce, "force", false, "Enumerate even if directories look unchanged")
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(rescanCmd)
}

// printEntry writes one mirrored object as aligned key/value lines.
func printEntry(w io.Writer, e daemon.EntryInfo) {
	fmt.Fprintf(w, "ID:          %s\n", e.ID)
	fmt.Fprintf(w, "Path:        %s\n", e.Path)
	fmt.Fprintf(w, "Drive:       %s\n", e.Drive)
	fmt.Fprintf(w, "Kind:        %s\n", e.Kind)
	fmt.Fprintf(w, "Modified:    %s\n", formatFingerprint(e.Fingerprint))
	if e.Kind == "directory" {
		fmt.Fprintf(w, "Children:    %d\n", e.Children)
		return
	}
	fmt.Fprintf(w, "Size:        %s\n", humanize.Bytes(uint64(e.Size)))
	if e.Hash != "" {
		fmt.Fprintf(w, "Hash:        %s\n", e.Hash)
	} else {
		fmt.Fprintf(w, "Hash:        (pending)\n")
	}
	if e.TypeClass != "" {
		fmt.Fprintf(w, "Type:        %s\n", e.TypeClass)
	}
	if md := e.Metadata; md != nil {
		if md.Format != "" {
			fmt.Fprintf(w, "Format:      %s\n", md.Format)
		}
		if md.Width > 0 && md.Height > 0 {
			fmt.Fprintf(w, "Dimensions:  %dx%d\n", md.Width, md.Height)
		}
		if md.Duration > 0 {
			fmt.Fprintf(w, "Duration:    %s\n", time.Duration(md.Duration*float64(time.Second)).Round(time.Second))
		}
	}
}

// formatFingerprint renders a millisecond modification time.
func formatFingerprint(ms int64) string {
	t := time.UnixMilli(ms)
	return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), humanize.Time(t))
}
