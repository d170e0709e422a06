// Command convert turns local image files into .ico files using the same
// pipeline as the web service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"icoconvert/config"
	"icoconvert/converter"
	"icoconvert/logging"
)

func main() {
	var (
		outDir    = flag.String("out", "", "Output directory (default: next to each input)")
		maxSize   = flag.Int("size", config.MaxIconSize, "Largest icon edge in pixels (1-256)")
		maxPixels = flag.Int("max-pixels", config.Default().Limits.MaxPixels, "Refuse images with more pixels than this")
		jobs      = flag.Int("jobs", runtime.NumCPU(), "Files converted in parallel")
		verbose   = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <image> [image...]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *maxSize < 1 || *maxSize > config.MaxIconSize {
		log.Fatalf("-size must be between 1 and %d", config.MaxIconSize)
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logging.Init(level, "text")

	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conv := converter.New(converter.Options{
		MaxSize:     *maxSize,
		MaxPixels:   *maxPixels,
		Concurrency: *jobs,
	})

	if failed := convertAll(ctx, conv, flag.Args(), *outDir, *jobs); failed > 0 {
		log.Fatalf("%d of %d files failed", failed, flag.NArg())
	}
}

// convertAll converts every input and returns how many failed.
func convertAll(ctx context.Context, conv *converter.Converter, inputs []string, outDir string, jobs int) int {
	g, gctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}

	failures := make([]bool, len(inputs))
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			dst := outputPath(in, outDir)
			info, err := conv.ConvertFile(gctx, in, dst)
			if err != nil {
				logging.WithFile(in).Error("Conversion failed", "error", err)
				failures[i] = true
				return nil
			}
			slog.Info("Converted",
				"src", in,
				"dst", dst,
				"source_size", fmt.Sprintf("%dx%d", info.SourceWidth, info.SourceHeight),
				"icon_size", fmt.Sprintf("%dx%d", info.Width, info.Height))
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, f := range failures {
		if f {
			failed++
		}
	}
	return failed
}

// outputPath maps photos/logo.png to photos/logo.ico, or outDir/logo.ico when outDir is set.
func outputPath(in, outDir string) string {
	base := filepath.Base(in)
	name := strings.TrimSuffix(base, filepath.Ext(base)) + converter.Extension
	if outDir == "" {
		return filepath.Join(filepath.Dir(in), name)
	}
	return filepath.Join(outDir, name)
}
