// Package converter turns raster images into single-entry .ico files.
//
// Every input is cropped to a centered square of min(width, height) and,
// when that square is larger than the configured maximum, resampled down
// with a Lanczos filter. The result is always 32-bit NRGBA, so opaque
// sources come out with a fully opaque alpha channel.
package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	ico "github.com/biessek/golang-ico"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"
)

// Extension is the file extension of every converted output.
const Extension = ".ico"

// DefaultMaxSize is the largest edge a single ICO entry can declare.
const DefaultMaxSize = 256

// Options controls conversion limits.
type Options struct {
	MaxSize     int
	MaxBytes    int64
	MaxPixels   int
	Concurrency int
}

// Info describes a finished conversion.
type Info struct {
	SourceFormat string
	SourceWidth  int
	SourceHeight int
	Width        int
	Height       int
	Cropped      bool
	Resized      bool
	Bytes        int
	Duration     time.Duration
}

// Converter encodes images as icons, running at most Options.Concurrency
// conversions at a time.
type Converter struct {
	opts Options
	sem  *semaphore.Weighted
}

// New creates a converter. Zero or out-of-range options fall back to defaults.
func New(opts Options) *Converter {
	if opts.MaxSize <= 0 || opts.MaxSize > DefaultMaxSize {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Converter{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// MaxSize returns the maximum edge length of produced icons.
func (c *Converter) MaxSize() int {
	return c.opts.MaxSize
}

// Convert decodes the image read from r and writes the icon to w.
// It blocks until a conversion slot is free or ctx is done.
func (c *Converter) Convert(ctx context.Context, r io.Reader, w io.Writer) (Info, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Info{}, fmt.Errorf("waiting for conversion slot: %w", err)
	}
	defer c.sem.Release(1)

	start := time.Now()

	data, err := c.readInput(r)
	if err != nil {
		return Info{}, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, &DecodeError{Err: err}
	}
	if c.opts.MaxPixels > 0 && cfg.Width*cfg.Height > c.opts.MaxPixels {
		return Info{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, c.opts.MaxPixels)
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Info{}, &DecodeError{Err: err}
	}

	out, info, err := c.prepare(src)
	if err != nil {
		return Info{}, err
	}
	info.SourceFormat = format

	var buf bytes.Buffer
	if err := ico.Encode(&buf, out); err != nil {
		return Info{}, &IOError{Op: "encode", Err: err}
	}
	n, err := w.Write(buf.Bytes())
	if err != nil {
		return Info{}, &IOError{Op: "write", Err: err}
	}

	info.Bytes = n
	info.Duration = time.Since(start)
	return info, nil
}

// ConvertFile converts the image at src and writes the icon to dst.
// dst is only created when conversion succeeds.
func (c *Converter) ConvertFile(ctx context.Context, src, dst string) (Info, error) {
	f, err := os.Open(src)
	if err != nil {
		return Info{}, &IOError{Op: "open", Path: src, Err: err}
	}
	defer f.Close()

	var buf bytes.Buffer
	info, err := c.Convert(ctx, f, &buf)
	if err != nil {
		return Info{}, err
	}

	if err := os.WriteFile(dst, buf.Bytes(), 0644); err != nil {
		return Info{}, &IOError{Op: "write", Path: dst, Err: err}
	}
	return info, nil
}

func (c *Converter) readInput(r io.Reader) ([]byte, error) {
	if c.opts.MaxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, c.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if int64(len(data)) > c.opts.MaxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.opts.MaxBytes)
	}
	return data, nil
}

// prepare crops to a centered square, downsizes to MaxSize and converts to NRGBA.
func (c *Converter) prepare(src image.Image) (*image.NRGBA, Info, error) {
	b := src.Bounds()
	info := Info{SourceWidth: b.Dx(), SourceHeight: b.Dy()}

	size := min(b.Dx(), b.Dy())
	if size <= 0 {
		return nil, info, &DecodeError{Err: errors.New("image has no pixels")}
	}

	var out *image.NRGBA
	if b.Dx() != b.Dy() {
		out = imaging.CropCenter(src, size, size)
		info.Cropped = true
	} else {
		out = imaging.Clone(src)
	}

	if size > c.opts.MaxSize {
		out = imaging.Resize(out, c.opts.MaxSize, c.opts.MaxSize, imaging.Lanczos)
		info.Resized = true
	}

	info.Width = out.Bounds().Dx()
	info.Height = out.Bounds().Dy()
	return out, info, nil
}
