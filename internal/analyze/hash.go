package analyze

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"

	"driveforest/internal/common"
	"driveforest/internal/meta"
)

// SHA256Hasher hashes in process.
type SHA256Hasher struct{}

func (SHA256Hasher) Hash(ctx context.Context, path string) (meta.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return meta.Digest{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return meta.Digest{}, err
	}
	var d meta.Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if c.ctx.Err() != nil {
		return 0, fmt.Errorf("read: %w", common.ErrCancelled)
	}
	return c.r.Read(p)
}

// ExecHasher runs a sha256sum-compatible command and reads the first field
// of its output.
type ExecHasher struct {
	Argv []string
}

func (e *ExecHasher) Hash(ctx context.Context, path string) (meta.Digest, error) {
	out, err := runCommand(ctx, e.Argv, path)
	if err != nil {
		return meta.Digest{}, err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return meta.Digest{}, fmt.Errorf("%w: %s produced no output", common.ErrProcess, e.Argv[0])
	}
	d, err := meta.ParseDigest(strings.ToLower(strings.TrimPrefix(fields[0], "\\")))
	if err != nil {
		return meta.Digest{}, fmt.Errorf("%w: %s: %v", common.ErrProcess, e.Argv[0], err)
	}
	return d, nil
}
