// Package analyze computes content hashes and media metadata, either in
// process or by running an external command per file.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"

	"driveforest/internal/common"
	"driveforest/internal/meta"
)

// Hasher computes the content digest of one file.
type Hasher interface {
	Hash(ctx context.Context, path string) (meta.Digest, error)
}

// Identifier extracts metadata of one file. typeClass is the sniffed MIME
// type and may be empty.
type Identifier interface {
	Identify(ctx context.Context, path, typeClass string) (*Metadata, error)
}

// Metadata is what identification learned about a file.
type Metadata struct {
	MIME     string            `json:"mime,omitempty"`
	Format   string            `json:"format,omitempty"`
	Width    int               `json:"width,omitempty"`
	Height   int               `json:"height,omitempty"`
	Duration float64           `json:"duration,omitempty"` // seconds
	Codecs   []string          `json:"codecs,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// SplitCommand splits a configured command line with shell quoting rules.
func SplitCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	return argv, nil
}

// argvOf is SplitCommand for already validated settings; an unparsable line
// degrades to whitespace splitting.
func argvOf(command string) []string {
	argv, err := SplitCommand(command)
	if err != nil {
		return strings.Fields(command)
	}
	return argv
}

// NewHasher returns the in-process SHA-256 hasher for an empty command,
// otherwise an ExecHasher running command with the path appended.
func NewHasher(command string) Hasher {
	argv := argvOf(command)
	if len(argv) == 0 {
		return SHA256Hasher{}
	}
	return &ExecHasher{Argv: argv}
}

// NewIdentifier returns the in-process identifier for an empty command,
// otherwise an ExecIdentifier running command with the path appended.
func NewIdentifier(command string) Identifier {
	argv := argvOf(command)
	if len(argv) == 0 {
		return SniffIdentifier{}
	}
	return &ExecIdentifier{Argv: argv}
}

// runCommand runs argv with path appended and returns stdout. Spawn failures
// and non-zero exits wrap common.ErrProcess; cancellation wraps
// common.ErrCancelled.
func runCommand(ctx context.Context, argv []string, path string) ([]byte, error) {
	args := append(append([]string(nil), argv[1:]...), path)
	cmd := exec.CommandContext(ctx, argv[0], args...)

	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s %s: %w", argv[0], path, common.ErrCancelled)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %s exited with %d: %s",
				common.ErrProcess, argv[0], exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%w: %s: %v", common.ErrProcess, argv[0], err)
	}
	return out, nil
}
