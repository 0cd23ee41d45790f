// Command resize runs the resize pipeline over local files.
//
//	resize [--max-width N] [--max-height N] [--quality Q] [--out DIR] [--gif] FILE...
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/timkrebs/image-resizer/internal/config"
	"github.com/timkrebs/image-resizer/internal/resizer"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	resize   resizer.Options
	outDir   string
	gif      bool
	logLevel string
}

// run returns the process exit code: 0 on success, 1 when any file failed
// for a reason other than being undecodable, 2 on usage errors
func run(args []string, stdout, stderr io.Writer) int {
	opts, files, err := parseArgs(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, "resize:", err)
		return 2
	}

	level, err := config.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintln(stderr, "resize:", err)
		return 2
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if opts.outDir == "" {
		if opts.outDir, err = os.MkdirTemp("", "resize-"); err != nil {
			fmt.Fprintln(stderr, "resize:", err)
			return 1
		}
	} else if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		fmt.Fprintln(stderr, "resize:", err)
		return 1
	}

	r := resizer.New(resizer.Config{OutputDir: opts.outDir, Logger: logger})

	code := 0
	for _, file := range files {
		var err error
		if opts.gif {
			err = resizeGIF(r, file, opts, stdout)
		} else {
			err = resizeImage(r, file, opts, stdout)
		}
		switch {
		case errors.Is(err, resizer.ErrUndecodable):
			fmt.Fprintf(stderr, "skipped %s: unsupported or corrupt image\n", file)
		case err != nil:
			fmt.Fprintf(stderr, "failed %s: %v\n", file, err)
			code = 1
		}
	}
	return code
}

func parseArgs(args []string, stderr io.Writer) (options, []string, error) {
	var opts options
	fs := pflag.NewFlagSet("resize", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	maxWidth := fs.Float64("max-width", 0, "maximum output width in pixels")
	maxHeight := fs.Float64("max-height", 0, "maximum output height in pixels")
	quality := fs.Int("quality", 100, "JPEG quality 0-99; 100 keeps the original encoding")
	fs.StringVarP(&opts.outDir, "out", "o", "", "output directory (default: a new temp dir)")
	fs.BoolVar(&opts.gif, "gif", false, "treat inputs as animated GIFs and resize every frame")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}

	// unset flags stay absent rather than taking their zero value
	if fs.Changed("max-width") {
		opts.resize.MaxWidth = maxWidth
	}
	if fs.Changed("max-height") {
		opts.resize.MaxHeight = maxHeight
	}
	if fs.Changed("quality") {
		opts.resize.Quality = quality
	}
	if err := opts.resize.Validate(); err != nil {
		return opts, nil, err
	}

	if fs.NArg() == 0 {
		return opts, nil, errors.New("no input files")
	}
	return opts, fs.Args(), nil
}

func resizeImage(r *resizer.Resizer, file string, opts options, stdout io.Writer) error {
	res, err := r.ResizeImageIfNeeded(file, opts.resize)
	if err != nil {
		return err
	}

	line := fmt.Sprintf("%s\t%s\t%dx%d\t%s", res.Path, res.Action, res.Width, res.Height, res.Format)
	if res.QualityIgnored {
		line += "\tquality ignored"
	}
	fmt.Fprintln(stdout, line)
	return nil
}

func resizeGIF(r *resizer.Resizer, file string, opts options, stdout io.Writer) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	info, err := r.ResizeGIF(data, opts.resize.MaxWidth, opts.resize.MaxHeight)
	if err != nil {
		return err
	}

	outPath := filepath.Join(opts.outDir, resizer.ScaledPrefix+filepath.Base(file))
	if err := writeOutput(outPath, func(w io.Writer) error {
		return resizer.EncodeGIF(w, info, false)
	}); err != nil {
		return err
	}

	first := info.Frames[0]
	fmt.Fprintf(stdout, "%s\t%d frames\t%dx%d\tinterval %s\n",
		outPath, len(info.Frames), first.Width(), first.Height(), info.Interval)
	return nil
}

// writeOutput creates path and fills it with encode. The file is removed if
// encoding or closing fails.
func writeOutput(path string, encode func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()
	return encode(f)
}
