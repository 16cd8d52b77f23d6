package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/iafan/cwalk"
	"github.com/spf13/cobra"

	"driveforest/internal/analyze"
	"driveforest/internal/common"
	"driveforest/internal/daemon"
	"driveforest/internal/meta"
)

var repairCmd = &cobra.Command{
	Use:   "repair <path>",
	Short: "Create and repair the records of a whole tree",
	Long: `Walks a directory tree concurrently and reads every record, creating missing
ones and dropping stale content fields, the same way the daemon does on its
first probe. Useful to prepare a large drive before adding it.

Copies made with tools that preserve extended attributes share their
source's identity. They are reported; with --restamp every object after the
first one seen gets a fresh identity. Which copy keeps the identity is not
defined, so prefer letting the daemon resolve duplicates when it already
mirrors the tree.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepair,
}

var repairHash bool
var repairRestamp bool

func init() {
	repairCmd.Flags().BoolVar(&repairHash, "hash", false, "Also hash files that have no valid hash")
	repairCmd.Flags().BoolVar(&repairRestamp, "restamp", false, "Give duplicate identities fresh ones")
	rootCmd.AddCommand(repairCmd)
}

type repairOptions struct {
	Restamp bool
	Hasher  analyze.Hasher // nil skips hashing
}

type repairStats struct {
	Directories atomic.Int64
	Files       atomic.Int64
	Bytes       atomic.Int64
	Skipped     atomic.Int64
	Duplicates  atomic.Int64
	Restamped   atomic.Int64
	Hashed      atomic.Int64
	Errors      atomic.Int64
}

type repairer struct {
	ctx   context.Context
	layer *meta.Layer
	opts  repairOptions
	out   io.Writer
	stats repairStats

	mu   sync.Mutex
	seen map[uuid.UUID]string

	outMu sync.Mutex
}

// repairTree reads the record of root and of every object below it.
// Problems with single objects are counted and reported to out.
func repairTree(ctx context.Context, layer *meta.Layer, root string, opts repairOptions, out io.Writer) (*repairStats, error) {
	x, err := layer.ReadEntry(root)
	if err != nil {
		return nil, err
	}
	if !x.IsDir() {
		return nil, fmt.Errorf("%s: %w", root, common.ErrNotDir)
	}

	r := &repairer{ctx: ctx, layer: layer, opts: opts, out: out, seen: make(map[uuid.UUID]string)}
	r.claim(root, x.ID)
	r.record(x)

	err = cwalk.Walk(root, func(rel string, info os.FileInfo, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			r.fail(filepath.Join(root, rel), err)
			return nil
		}
		if rel == "" || rel == "." {
			return nil
		}
		r.visit(filepath.Join(root, rel))
		return nil
	})
	if ctx.Err() != nil {
		return &r.stats, ctx.Err()
	}
	if err != nil {
		// Directories cwalk could not read.
		r.fail(root, err)
	}
	return &r.stats, nil
}

func (r *repairer) fail(path string, err error) {
	r.stats.Errors.Add(1)
	r.report("%s: %v\n", path, err)
}

// report serializes output from concurrent walkers.
func (r *repairer) report(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *repairer) visit(path string) {
	x, err := r.layer.ReadEntry(path)
	switch {
	case errors.Is(err, common.ErrNotDirFile):
		r.stats.Skipped.Add(1)
		return
	case common.IsVanished(err):
		return
	case err != nil:
		r.fail(path, err)
		return
	}

	if x, err = r.dedupe(path, x); err != nil {
		r.fail(path, err)
		return
	}
	r.record(x)

	if x.IsDir() || r.opts.Hasher == nil || x.HasHash() {
		return
	}
	digest, err := r.opts.Hasher.Hash(r.ctx, path)
	if err != nil {
		r.fail(path, err)
		return
	}
	if _, err := r.layer.CommitHash(path, x.ID, digest, x.Fingerprint); err != nil {
		r.fail(path, err)
		return
	}
	r.stats.Hashed.Add(1)
}

// dedupe claims x's identity for path. An identity already claimed
// elsewhere in the walk is reported and, with Restamp, replaced.
func (r *repairer) dedupe(path string, x meta.Xstat) (meta.Xstat, error) {
	other, dup := r.claim(path, x.ID)
	if !dup {
		return x, nil
	}

	r.stats.Duplicates.Add(1)
	if !r.opts.Restamp {
		r.report("%s: duplicate identity %s (also %s)\n", path, x.ID, other)
		return x, nil
	}
	nx, err := r.layer.ForceIdentity(path, uuid.New())
	if err != nil {
		return x, err
	}
	r.claim(path, nx.ID)
	r.stats.Restamped.Add(1)
	r.report("%s: restamped %s -> %s\n", path, x.ID, nx.ID)
	return nx, nil
}

// claim records path as the holder of id unless another path already is,
// in which case that path is returned.
func (r *repairer) claim(path string, id uuid.UUID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if other, ok := r.seen[id]; ok {
		return other, true
	}
	r.seen[id] = path
	return "", false
}

func (r *repairer) record(x meta.Xstat) {
	if x.IsDir() {
		r.stats.Directories.Add(1)
		return
	}
	r.stats.Files.Add(1)
	r.stats.Bytes.Add(x.Size)
}

func runRepair(cmd *cobra.Command, args []string) error {
	layer, store, err := openLayer()
	if err != nil {
		return err
	}
	defer store.Close()

	root, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	opts := repairOptions{Restamp: repairRestamp}
	if repairHash {
		settings, err := daemon.LoadGlobalSettings()
		if err != nil {
			return err
		}
		opts.Hasher = analyze.NewHasher(settings.HashCommand)
	}

	stats, err := repairTree(cmd.Context(), layer, root, opts, os.Stderr)
	if stats != nil {
		fmt.Printf("Directories: %s\n", humanize.Comma(stats.Directories.Load()))
		fmt.Printf("Files:       %s (%s)\n", humanize.Comma(stats.Files.Load()), humanize.Bytes(uint64(stats.Bytes.Load())))
		if repairHash {
			fmt.Printf("Hashed:      %s\n", humanize.Comma(stats.Hashed.Load()))
		}
		fmt.Printf("Duplicates:  %s (%s restamped)\n", humanize.Comma(stats.Duplicates.Load()), humanize.Comma(stats.Restamped.Load()))
		fmt.Printf("Skipped:     %s\n", humanize.Comma(stats.Skipped.Load()))
		fmt.Printf("Errors:      %s\n", humanize.Comma(stats.Errors.Load()))
	}
	return err
}
