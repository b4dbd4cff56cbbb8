package vault

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"mnemos/internal/config"
	"mnemos/internal/logging"
	"mnemos/internal/types"
)

// Converter produces archival renditions of incoming files by shelling out
// to black-box tools. Inputs and outputs pass through short-lived temp
// files that are removed before return.
type Converter struct {
	cfg config.ConvertConfig
}

// NewConverter builds a converter from config.
func NewConverter(cfg config.ConvertConfig) *Converter {
	return &Converter{cfg: cfg}
}

// Rendition is the archival form of an input.
type Rendition struct {
	Data      []byte
	Format    string // archival format label stored in the manifest
	MIME      string
	Converted bool // false means byte-identical passthrough
}

// ToArchival converts data to its archival format. Formats that are already
// archival (or that have no better form) pass through byte-identical.
// Tool failures and timeouts surface as ConversionFailed.
func (c *Converter) ToArchival(ctx context.Context, data []byte, mime string) (*Rendition, error) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	switch {
	case mime == "image/jpeg" || mime == "image/heic" || mime == "image/heif" ||
		mime == "image/webp" || mime == "image/tiff":
		out, err := c.run(ctx, data, extFor(mime), ".png", func(in, out string) *exec.Cmd {
			return exec.CommandContext(ctx, c.cfg.ImageMagick, in, out)
		})
		if err != nil {
			return nil, err
		}
		return &Rendition{Data: out, Format: "png", MIME: "image/png", Converted: true}, nil

	case mime == "audio/mpeg" || mime == "audio/aac" || mime == "audio/ogg" ||
		mime == "audio/mp4" || mime == "audio/wav" || mime == "audio/x-wav":
		out, err := c.run(ctx, data, extFor(mime), ".flac", func(in, out string) *exec.Cmd {
			return exec.CommandContext(ctx, c.cfg.FFmpeg, "-y", "-i", in, "-c:a", "flac", out)
		})
		if err != nil {
			return nil, err
		}
		return &Rendition{Data: out, Format: "flac", MIME: "audio/flac", Converted: true}, nil

	case strings.HasPrefix(mime, "video/"):
		// FFV1 in Matroska: lossless video, FLAC audio track.
		out, err := c.run(ctx, data, extFor(mime), ".mkv", func(in, out string) *exec.Cmd {
			return exec.CommandContext(ctx, c.cfg.FFmpeg, "-y", "-i", in,
				"-c:v", "ffv1", "-level", "3", "-c:a", "flac", out)
		})
		if err != nil {
			return nil, err
		}
		return &Rendition{Data: out, Format: "ffv1-mkv", MIME: "video/x-matroska", Converted: true}, nil

	case isOfficeMIME(mime):
		out, err := c.runOffice(ctx, data, extFor(mime))
		if err != nil {
			return nil, err
		}
		return &Rendition{Data: out, Format: "pdf", MIME: "application/pdf", Converted: true}, nil

	case mime == "text/html":
		return &Rendition{
			Data:      []byte(StripHTML(string(data))),
			Format:    "text",
			MIME:      "text/plain",
			Converted: true,
		}, nil
	}

	// Everything else (png, flac, pdf, text, csv, json, unknown binaries)
	// is preserved byte-identical.
	return &Rendition{Data: data, Format: formatFor(mime), MIME: mime}, nil
}

// run executes build(in, out) against temp files and returns the output
// bytes. The per-call deadline comes from config on top of ctx.
func (c *Converter) run(ctx context.Context, data []byte, inExt, outExt string,
	build func(in, out string) *exec.Cmd) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, config.Duration(c.cfg.Timeout))
	defer cancel()

	dir, err := os.MkdirTemp("", "mnemos-convert-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in"+inExt)
	out := filepath.Join(dir, "out"+outExt)
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to stage input: %w", err)
	}

	cmd := build(in, out)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		logging.Get(logging.CategoryVault).Warnw("conversion tool failed",
			"tool", cmd.Path, "error", err, "stderr", truncate(stderr.String(), 512))
		return nil, types.E(types.ErrConversionFailed, "%s failed: %v", filepath.Base(cmd.Path), err)
	}
	result, err := os.ReadFile(out)
	if err != nil {
		return nil, types.E(types.ErrConversionFailed, "tool produced no output: %v", err)
	}
	return result, nil
}

// runOffice drives LibreOffice, which names its own output file.
func (c *Converter) runOffice(ctx context.Context, data []byte, inExt string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, config.Duration(c.cfg.Timeout))
	defer cancel()

	dir, err := os.MkdirTemp("", "mnemos-convert-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in"+inExt)
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to stage input: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.cfg.LibreOffice,
		"--headless", "--convert-to", "pdf", "--outdir", dir, in)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		logging.Get(logging.CategoryVault).Warnw("office conversion failed",
			"error", err, "stderr", truncate(stderr.String(), 512))
		return nil, types.E(types.ErrConversionFailed, "libreoffice failed: %v", err)
	}
	result, err := os.ReadFile(filepath.Join(dir, "in.pdf"))
	if err != nil {
		return nil, types.E(types.ErrConversionFailed, "libreoffice produced no output: %v", err)
	}
	return result, nil
}

// StripHTML extracts visible text from an HTML document, skipping script
// and style subtrees.
func StripHTML(doc string) string {
	tok := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skip := 0
	for {
		switch tok.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.TrimSpace(string(tok.Text()))
			if text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(text)
		}
	}
}

func isOfficeMIME(mime string) bool {
	switch mime {
	case "application/msword",
		"application/vnd.ms-excel",
		"application/vnd.ms-powerpoint":
		return true
	}
	return strings.HasPrefix(mime, "application/vnd.openxmlformats-officedocument.") ||
		strings.HasPrefix(mime, "application/vnd.oasis.opendocument.")
}

func extFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/heic", "image/heif":
		return ".heic"
	case "image/webp":
		return ".webp"
	case "image/tiff":
		return ".tiff"
	case "audio/mpeg":
		return ".mp3"
	case "audio/aac":
		return ".aac"
	case "audio/ogg":
		return ".ogg"
	case "audio/mp4":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "application/msword":
		return ".doc"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return ".docx"
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return ".xlsx"
	case "application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return ".pptx"
	case "application/vnd.oasis.opendocument.text":
		return ".odt"
	}
	if strings.HasPrefix(mime, "video/") {
		return ".bin"
	}
	return ".dat"
}

func formatFor(mime string) string {
	switch {
	case mime == "image/png":
		return "png"
	case mime == "audio/flac":
		return "flac"
	case mime == "application/pdf":
		return "pdf"
	case mime == "text/csv":
		return "csv"
	case mime == "application/json":
		return "json"
	case strings.HasPrefix(mime, "text/"):
		return "text"
	}
	return "original"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
