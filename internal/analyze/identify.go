package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"driveforest/internal/common"
	"driveforest/internal/meta"
)

// SniffIdentifier identifies in process: MIME from content and, for the
// image formats the standard library decodes, dimensions.
type SniffIdentifier struct{}

func (SniffIdentifier) Identify(ctx context.Context, path, typeClass string) (*Metadata, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("identify %s: %w", path, common.ErrCancelled)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, err
	}
	md := &Metadata{MIME: meta.TypeClassOf(mt.String()), Format: strings.TrimPrefix(mt.Extension(), ".")}

	if meta.TopLevel(md.MIME) == "image" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if cfg, format, err := image.DecodeConfig(f); err == nil {
			md.Width, md.Height = cfg.Width, cfg.Height
			md.Format = format
		}
	}
	return md, nil
}

// ExecIdentifier runs an ffprobe-compatible command printing JSON with
// "format" and "streams" sections.
type ExecIdentifier struct {
	Argv []string
}

type probeOutput struct {
	Format struct {
		FormatName string            `json:"format_name"`
		Duration   string            `json:"duration"`
		Tags       map[string]string `json:"tags"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func (e *ExecIdentifier) Identify(ctx context.Context, path, typeClass string) (*Metadata, error) {
	out, err := runCommand(ctx, e.Argv, path)
	if err != nil {
		return nil, err
	}
	return parseProbeOutput(out, typeClass)
}

func parseProbeOutput(out []byte, typeClass string) (*Metadata, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return nil, fmt.Errorf("%w: unparsable probe output: %v", common.ErrProcess, err)
	}

	md := &Metadata{MIME: typeClass, Format: po.Format.FormatName}
	if po.Format.Duration != "" {
		if d, err := strconv.ParseFloat(po.Format.Duration, 64); err == nil {
			md.Duration = d
		}
	}
	if len(po.Format.Tags) > 0 {
		md.Tags = po.Format.Tags
	}

	seen := make(map[string]bool)
	for _, s := range po.Streams {
		if s.CodecName != "" && !seen[s.CodecName] {
			seen[s.CodecName] = true
			md.Codecs = append(md.Codecs, s.CodecName)
		}
		if s.CodecType == "video" && md.Width == 0 {
			md.Width, md.Height = s.Width, s.Height
		}
	}
	sort.Strings(md.Codecs)
	return md, nil
}
