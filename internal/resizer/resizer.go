// Package resizer downscales images to caller supplied bounds, re-encodes
// them at a requested quality and brings their pixels upright according to
// the EXIF orientation tag.
package resizer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// ErrInvalidConstraint is returned for non-positive or NaN maximum dimensions
var ErrInvalidConstraint = errors.New("invalid resize constraint")

// DefaultQuality is used whenever no valid lossy quality was requested
const DefaultQuality = 100

// Output file name prefixes
const (
	ScaledPrefix  = "scaled_"
	RotatedPrefix = "rotated_"
)

// Options are the optional resize constraints. A nil field is absent.
type Options struct {
	MaxWidth  *float64
	MaxHeight *float64
	Quality   *int
}

// Validate checks the bounds. Quality is never invalid: out of range values
// mean "no lossy recompression".
func (o Options) Validate() error {
	if invalidBound(o.MaxWidth) {
		return fmt.Errorf("%w: max width must be positive", ErrInvalidConstraint)
	}
	if invalidBound(o.MaxHeight) {
		return fmt.Errorf("%w: max height must be positive", ErrInvalidConstraint)
	}
	return nil
}

func invalidBound(v *float64) bool {
	return v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0) || *v <= 0)
}

// QualityValid reports whether a lossy quality in 1..99 was requested
func (o Options) QualityValid() bool {
	return o.Quality != nil && *o.Quality > 0 && *o.Quality < 100
}

// EffectiveQuality returns the requested quality or DefaultQuality
func (o Options) EffectiveQuality() int {
	if o.QualityValid() {
		return *o.Quality
	}
	return DefaultQuality
}

// ShouldScale reports whether a dimension or quality change was requested
func (o Options) ShouldScale() bool {
	return o.MaxWidth != nil || o.MaxHeight != nil || o.QualityValid()
}

// Action describes what a resize produced
type Action string

const (
	ActionUnchanged Action = "unchanged"
	ActionScaled    Action = "scaled"
	ActionRotated   Action = "rotated"
)

// Result describes the output of ResizeImageIfNeeded
type Result struct {
	Path           string
	Action         Action
	Format         Format
	Orientation    Orientation
	Width          int
	Height         int
	Quality        int
	QualityIgnored bool
}

// EventKind identifies a diagnostic event
type EventKind string

const (
	// EventQualityIgnored fires when an alpha image is written losslessly
	// even though a lossy quality was requested
	EventQualityIgnored EventKind = "quality_ignored"
	// EventOrientationFixed fires when pixels were transformed upright
	EventOrientationFixed EventKind = "orientation_fixed"
	// EventMetadataCopyFailed fires when copying tags to the output failed
	EventMetadataCopyFailed EventKind = "metadata_copy_failed"
)

// Event is a diagnostic emitted during a resize
type Event struct {
	Kind        EventKind
	Path        string
	Quality     int
	Orientation Orientation
	Err         error
}

// Config holds the collaborators of a Resizer. Zero fields get defaults.
type Config struct {
	OutputDir   string
	Codec       Codec
	Orientation OrientationReader
	Metadata    MetadataCopier
	Logger      *slog.Logger
	OnEvent     func(Event)
}

// Resizer runs the resize pipeline. It holds no per-call state, so one
// Resizer may serve concurrent calls on distinct sources.
type Resizer struct {
	outputDir   string
	codec       Codec
	orientation OrientationReader
	metadata    MetadataCopier
	logger      *slog.Logger
	onEvent     func(Event)
}

// New creates a Resizer that writes its outputs into cfg.OutputDir
func New(cfg Config) *Resizer {
	r := &Resizer{
		outputDir:   cfg.OutputDir,
		codec:       cfg.Codec,
		orientation: cfg.Orientation,
		metadata:    cfg.Metadata,
		logger:      cfg.Logger,
		onEvent:     cfg.OnEvent,
	}
	if r.outputDir == "" {
		r.outputDir = os.TempDir()
	}
	if r.codec == nil {
		r.codec = ImagingCodec{}
	}
	if r.orientation == nil {
		r.orientation = ExifOrientationReader{}
	}
	if r.metadata == nil {
		r.metadata = NewJPEGMetadataCopier()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r
}

// ResizeImageIfNeeded scales the image at path to fit opts, fixes its
// orientation and writes the result next to the other outputs. When nothing
// needs to change the original path is returned. An undecodable source yields
// ErrUndecodable.
func (r *Resizer) ResizeImageIfNeeded(path string, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	buf, err := r.decodeFile(path)
	if err != nil {
		return nil, err
	}

	if !opts.ShouldScale() {
		return r.fixOrientation(path, buf)
	}

	name := ScaledPrefix + filepath.Base(path)
	quality := opts.EffectiveQuality()

	width, height := Fit(buf.Width(), buf.Height(), opts.MaxWidth, opts.MaxHeight)
	scaled := buf.derive(imaging.Resize(buf.Image(), width, height, imaging.NearestNeighbor))

	orientation := r.orientation.ReadOrientation(path)
	if fixed, ok := Normalize(scaled, orientation); ok {
		scaled = fixed
		r.emit(Event{Kind: EventOrientationFixed, Path: path, Orientation: orientation})
	}

	result, err := r.write(name, scaled, quality, opts.QualityValid())
	if err != nil {
		return nil, err
	}
	result.Action = ActionScaled
	result.Orientation = orientation

	r.copyMetadata(path, result.Path)

	r.logger.Debug("image scaled",
		"source", path,
		"output", result.Path,
		"width", result.Width,
		"height", result.Height,
		"quality", result.Quality,
	)
	return result, nil
}

// fixOrientation writes a rotated_ copy when the source is not upright
func (r *Resizer) fixOrientation(path string, buf *Buffer) (*Result, error) {
	orientation := r.orientation.ReadOrientation(path)
	fixed, ok := Normalize(buf, orientation)
	if !ok {
		return &Result{
			Path:        path,
			Action:      ActionUnchanged,
			Orientation: orientation,
			Width:       buf.Width(),
			Height:      buf.Height(),
		}, nil
	}
	r.emit(Event{Kind: EventOrientationFixed, Path: path, Orientation: orientation})

	result, err := r.write(RotatedPrefix+filepath.Base(path), fixed, DefaultQuality, false)
	if err != nil {
		return nil, err
	}
	result.Action = ActionRotated
	result.Orientation = orientation

	r.copyMetadata(path, result.Path)

	r.logger.Debug("image rotated", "source", path, "output", result.Path, "orientation", orientation.String())
	return result, nil
}

func (r *Resizer) decodeFile(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	defer f.Close()

	buf, err := r.codec.Decode(f)
	if err != nil {
		r.logger.Warn("failed to decode image", "path", path, "error", err)
		if !errors.Is(err, ErrUndecodable) {
			err = fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		return nil, err
	}
	return buf, nil
}

// write encodes buf into the output directory. Alpha images are always PNG.
func (r *Resizer) write(name string, buf *Buffer, quality int, qualityRequested bool) (*Result, error) {
	outPath := filepath.Join(r.outputDir, name)
	format := FormatJPEG
	ignored := false
	if buf.HasAlpha() {
		format = FormatPNG
		if qualityRequested {
			ignored = true
			r.logger.Info("compressing is not supported for images with alpha, keeping original quality",
				"name", name, "quality", quality)
			r.emit(Event{Kind: EventQualityIgnored, Path: outPath, Quality: quality})
		}
		quality = DefaultQuality
	}

	f, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	if err := r.codec.Encode(f, buf, format, quality); err != nil {
		f.Close()
		os.Remove(outPath)
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("failed to write output file: %w", err)
	}

	return &Result{
		Path:           outPath,
		Format:         format,
		Width:          buf.Width(),
		Height:         buf.Height(),
		Quality:        quality,
		QualityIgnored: ignored,
	}, nil
}

func (r *Resizer) copyMetadata(src, dst string) {
	err := r.metadata.CopyMetadata(src, dst)
	if err == nil || errors.Is(err, ErrNoExif) {
		return
	}
	r.logger.Warn("failed to copy metadata", "source", src, "output", dst, "error", err)
	r.emit(Event{Kind: EventMetadataCopyFailed, Path: dst, Err: err})
}

func (r *Resizer) emit(e Event) {
	if r.onEvent != nil {
		r.onEvent(e)
	}
}
