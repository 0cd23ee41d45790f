package resizer

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.events = append(r.events, e)
}

func (r *eventRecorder) has(kind EventKind) bool {
	for _, e := range r.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func newTestResizer(t *testing.T) (*Resizer, string, string, *eventRecorder) {
	t.Helper()
	srcDir := t.TempDir()
	outDir := t.TempDir()
	rec := &eventRecorder{}
	r := New(Config{OutputDir: outDir, OnEvent: rec.record})
	return r, srcDir, outDir, rec
}

func decodeOutput(t *testing.T, path string) (image.Image, string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open output: %v", err)
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}
	return img, format
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestResizeImageIfNeeded_NothingToDo(t *testing.T) {
	r, srcDir, outDir, rec := newTestResizer(t)
	path := writeFile(t, srcDir, "photo.jpg", encodeJPEG(t, patternImage(40, 20), 0))

	result, err := r.ResizeImageIfNeeded(path, Options{})
	if err != nil {
		t.Fatalf("ResizeImageIfNeeded() error = %v", err)
	}
	if result.Path != path {
		t.Errorf("Path = %q, want original %q", result.Path, path)
	}
	if result.Action != ActionUnchanged {
		t.Errorf("Action = %q, want %q", result.Action, ActionUnchanged)
	}
	if names := listDir(t, outDir); len(names) != 0 {
		t.Errorf("output dir should be empty, got %v", names)
	}
	if len(rec.events) != 0 {
		t.Errorf("unexpected events: %+v", rec.events)
	}
}

func TestResizeImageIfNeeded_QualityHundredIsAbsent(t *testing.T) {
	r, srcDir, _, _ := newTestResizer(t)
	path := writeFile(t, srcDir, "photo.jpg", encodeJPEG(t, patternImage(40, 20), 0))

	for _, q := range []int{0, -5, 100, 150} {
		result, err := r.ResizeImageIfNeeded(path, Options{Quality: ptr(q)})
		if err != nil {
			t.Fatalf("quality %d: error = %v", q, err)
		}
		if result.Path != path || result.Action != ActionUnchanged {
			t.Errorf("quality %d: got %q/%s, want original path unchanged", q, result.Path, result.Action)
		}
	}
}

func TestResizeImageIfNeeded_OrientationOnly(t *testing.T) {
	r, srcDir, outDir, rec := newTestResizer(t)
	path := writeFile(t, srcDir, "portrait.jpg", encodeJPEG(t, patternImage(40, 20), int(OrientationRotate90)))

	result, err := r.ResizeImageIfNeeded(path, Options{})
	if err != nil {
		t.Fatalf("ResizeImageIfNeeded() error = %v", err)
	}
	wantPath := filepath.Join(outDir, "rotated_portrait.jpg")
	if result.Path != wantPath {
		t.Errorf("Path = %q, want %q", result.Path, wantPath)
	}
	if result.Action != ActionRotated {
		t.Errorf("Action = %q, want %q", result.Action, ActionRotated)
	}
	if result.Quality != DefaultQuality {
		t.Errorf("Quality = %d, want %d", result.Quality, DefaultQuality)
	}

	img, format := decodeOutput(t, result.Path)
	if format != "jpeg" {
		t.Errorf("format = %q, want jpeg", format)
	}
	if img.Bounds().Dx() != 20 || img.Bounds().Dy() != 40 {
		t.Errorf("dimensions = %v, want 20x40", img.Bounds().Size())
	}
	if !rec.has(EventOrientationFixed) {
		t.Error("expected an orientation_fixed event")
	}

	// the copied EXIF block must no longer ask viewers to rotate
	if got := (ExifOrientationReader{}).ReadOrientation(result.Path); got != OrientationNormal {
		t.Errorf("output orientation = %v, want normal", got)
	}
}

func TestResizeImageIfNeeded_Scales(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		wantWidth  int
		wantHeight int
		wantQ      int
	}{
		{"max width", Options{MaxWidth: ptr(50.0)}, 50, 25, 100},
		{"max height", Options{MaxHeight: ptr(10.0)}, 20, 10, 100},
		{"both, height binds", Options{MaxWidth: ptr(2000.0), MaxHeight: ptr(25.0)}, 50, 25, 100},
		{"quality only", Options{Quality: ptr(40)}, 100, 50, 40},
		{"bounds larger than source", Options{MaxWidth: ptr(500.0), MaxHeight: ptr(500.0), Quality: ptr(80)}, 100, 50, 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, srcDir, outDir, _ := newTestResizer(t)
			path := writeFile(t, srcDir, "wide.jpg", encodeJPEG(t, patternImage(100, 50), 0))

			result, err := r.ResizeImageIfNeeded(path, tt.opts)
			if err != nil {
				t.Fatalf("ResizeImageIfNeeded() error = %v", err)
			}
			if want := filepath.Join(outDir, "scaled_wide.jpg"); result.Path != want {
				t.Errorf("Path = %q, want %q", result.Path, want)
			}
			if result.Action != ActionScaled {
				t.Errorf("Action = %q, want %q", result.Action, ActionScaled)
			}
			if result.Quality != tt.wantQ {
				t.Errorf("Quality = %d, want %d", result.Quality, tt.wantQ)
			}

			img, format := decodeOutput(t, result.Path)
			if format != "jpeg" {
				t.Errorf("format = %q, want jpeg", format)
			}
			if img.Bounds().Dx() != tt.wantWidth || img.Bounds().Dy() != tt.wantHeight {
				t.Errorf("dimensions = %v, want %dx%d", img.Bounds().Size(), tt.wantWidth, tt.wantHeight)
			}
			if result.Width != tt.wantWidth || result.Height != tt.wantHeight {
				t.Errorf("Result size = %dx%d, want %dx%d", result.Width, result.Height, tt.wantWidth, tt.wantHeight)
			}
		})
	}
}

func TestResizeImageIfNeeded_ScalesThenRotates(t *testing.T) {
	r, srcDir, _, rec := newTestResizer(t)
	path := writeFile(t, srcDir, "camera.jpg", encodeJPEG(t, patternImage(400, 200), int(OrientationRotate270)))

	result, err := r.ResizeImageIfNeeded(path, Options{MaxWidth: ptr(200.0)})
	if err != nil {
		t.Fatalf("ResizeImageIfNeeded() error = %v", err)
	}
	// fitted against the stored 400x200 raster, then turned upright
	img, _ := decodeOutput(t, result.Path)
	if img.Bounds().Dx() != 100 || img.Bounds().Dy() != 200 {
		t.Errorf("dimensions = %v, want 100x200", img.Bounds().Size())
	}
	if result.Orientation != OrientationRotate270 {
		t.Errorf("Orientation = %v, want rotate-270", result.Orientation)
	}
	if !rec.has(EventOrientationFixed) {
		t.Error("expected an orientation_fixed event")
	}
}

func TestResizeImageIfNeeded_AlphaIsLossless(t *testing.T) {
	r, srcDir, outDir, rec := newTestResizer(t)
	path := writeFile(t, srcDir, "logo.png", encodePNG(t, translucentImage(64, 32)))

	result, err := r.ResizeImageIfNeeded(path, Options{Quality: ptr(50)})
	if err != nil {
		t.Fatalf("ResizeImageIfNeeded() error = %v", err)
	}
	if want := filepath.Join(outDir, "scaled_logo.png"); result.Path != want {
		t.Errorf("Path = %q, want %q", result.Path, want)
	}
	if result.Format != FormatPNG {
		t.Errorf("Format = %q, want png", result.Format)
	}
	if !result.QualityIgnored {
		t.Error("QualityIgnored should be set")
	}
	if !rec.has(EventQualityIgnored) {
		t.Error("expected a quality_ignored event")
	}
	for _, e := range rec.events {
		if e.Kind == EventQualityIgnored && e.Path != result.Path {
			t.Errorf("quality_ignored event path = %q, want %q", e.Path, result.Path)
		}
	}

	_, format := decodeOutput(t, result.Path)
	if format != "png" {
		t.Errorf("encoded format = %q, want png", format)
	}
}

func TestResizeImageIfNeeded_OpaquePNGBecomesJPEG(t *testing.T) {
	r, srcDir, _, rec := newTestResizer(t)
	path := writeFile(t, srcDir, "flat.png", encodePNG(t, patternImage(64, 32)))

	result, err := r.ResizeImageIfNeeded(path, Options{Quality: ptr(50)})
	if err != nil {
		t.Fatalf("ResizeImageIfNeeded() error = %v", err)
	}
	_, format := decodeOutput(t, result.Path)
	if format != "jpeg" {
		t.Errorf("encoded format = %q, want jpeg", format)
	}
	if rec.has(EventQualityIgnored) {
		t.Error("opaque image should honour the requested quality")
	}
	// PNG sources carry no JPEG metadata, which is not a failure
	if rec.has(EventMetadataCopyFailed) {
		t.Error("unexpected metadata_copy_failed event")
	}
}

func TestResizeImageIfNeeded_OpaqueRGBAPNGStaysLossless(t *testing.T) {
	r, srcDir, _, rec := newTestResizer(t)
	path := writeFile(t, srcDir, "screenshot.png", encodeRGBAPNG(t, patternImage(64, 32)))

	result, err := r.ResizeImageIfNeeded(path, Options{Quality: ptr(50)})
	if err != nil {
		t.Fatalf("ResizeImageIfNeeded() error = %v", err)
	}
	if result.Format != FormatPNG {
		t.Errorf("Format = %q, want png", result.Format)
	}
	if !result.QualityIgnored || !rec.has(EventQualityIgnored) {
		t.Error("an alpha channel should ignore the requested quality")
	}
	if _, format := decodeOutput(t, result.Path); format != "png" {
		t.Errorf("encoded format = %q, want png", format)
	}
}

func TestResizeImageIfNeeded_Undecodable(t *testing.T) {
	r, srcDir, outDir, _ := newTestResizer(t)

	tests := []struct {
		name string
		path string
	}{
		{"text file", writeFile(t, srcDir, "notes.jpg", []byte("definitely not pixels"))},
		{"truncated jpeg", writeFile(t, srcDir, "cut.jpg", encodeJPEG(t, patternImage(32, 32), 0)[:40])},
		{"missing file", filepath.Join(srcDir, "nope.jpg")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := r.ResizeImageIfNeeded(tt.path, Options{MaxWidth: ptr(10.0)})
			if !errors.Is(err, ErrUndecodable) {
				t.Errorf("error = %v, want ErrUndecodable", err)
			}
			if result != nil {
				t.Errorf("result = %+v, want nil", result)
			}
		})
	}
	if names := listDir(t, outDir); len(names) != 0 {
		t.Errorf("output dir should be empty, got %v", names)
	}
}

func TestResizeImageIfNeeded_InvalidConstraint(t *testing.T) {
	r, srcDir, _, _ := newTestResizer(t)
	path := writeFile(t, srcDir, "photo.jpg", encodeJPEG(t, patternImage(10, 10), 0))

	for _, opts := range []Options{
		{MaxWidth: ptr(0.0)},
		{MaxHeight: ptr(-3.0)},
	} {
		if _, err := r.ResizeImageIfNeeded(path, opts); !errors.Is(err, ErrInvalidConstraint) {
			t.Errorf("error = %v, want ErrInvalidConstraint", err)
		}
	}
}

type failingCopier struct{}

func (failingCopier) CopyMetadata(string, string) error {
	return errors.New("disk on fire")
}

func TestResizeImageIfNeeded_MetadataFailureIsNonFatal(t *testing.T) {
	outDir := t.TempDir()
	rec := &eventRecorder{}
	r := New(Config{OutputDir: outDir, Metadata: failingCopier{}, OnEvent: rec.record})
	path := writeFile(t, t.TempDir(), "photo.jpg", encodeJPEG(t, patternImage(40, 40), 0))

	result, err := r.ResizeImageIfNeeded(path, Options{MaxWidth: ptr(20.0)})
	if err != nil {
		t.Fatalf("ResizeImageIfNeeded() error = %v", err)
	}
	if _, err := os.Stat(result.Path); err != nil {
		t.Errorf("output missing: %v", err)
	}
	if !rec.has(EventMetadataCopyFailed) {
		t.Error("expected a metadata_copy_failed event")
	}
}

type failingEncoder struct {
	ImagingCodec
}

func (failingEncoder) Encode(w io.Writer, _ *Buffer, _ Format, _ int) error {
	w.Write([]byte("partial"))
	return errors.New("no space left on device")
}

func TestResizeImageIfNeeded_EncodeFailureRemovesOutput(t *testing.T) {
	outDir := t.TempDir()
	r := New(Config{OutputDir: outDir, Codec: failingEncoder{}})
	path := writeFile(t, t.TempDir(), "photo.jpg", encodeJPEG(t, patternImage(40, 40), 0))

	_, err := r.ResizeImageIfNeeded(path, Options{MaxWidth: ptr(20.0)})
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, ErrUndecodable) {
		t.Errorf("encode failure must not look like a decode failure: %v", err)
	}
	if names := listDir(t, outDir); len(names) != 0 {
		t.Errorf("partial output left behind: %v", names)
	}
}

func TestResizeImageIfNeeded_MissingOutputDir(t *testing.T) {
	r := New(Config{OutputDir: filepath.Join(t.TempDir(), "does", "not", "exist")})
	path := writeFile(t, t.TempDir(), "photo.jpg", encodeJPEG(t, patternImage(40, 40), 0))

	_, err := r.ResizeImageIfNeeded(path, Options{MaxWidth: ptr(20.0)})
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, ErrUndecodable) {
		t.Errorf("write failure must not look like a decode failure: %v", err)
	}
}

func TestImagingCodec_DecodeRejectsNonImages(t *testing.T) {
	_, err := ImagingCodec{}.Decode(bytes.NewReader([]byte("%PDF-1.7 hello")))
	if !errors.Is(err, ErrUndecodable) {
		t.Errorf("error = %v, want ErrUndecodable", err)
	}
}

func palettedImage(c color.Color) *image.Paletted {
	img := image.NewPaletted(image.Rect(0, 0, 8, 8), color.Palette{color.Black, c})
	img.SetColorIndex(1, 1, 1)
	return img
}

func TestImagingCodec_AlphaDetection(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"jpeg", encodeJPEG(t, patternImage(8, 8), 0), false},
		{"opaque png", encodePNG(t, patternImage(8, 8)), false},
		{"translucent png", encodePNG(t, translucentImage(8, 8)), true},
		{"opaque rgba png", encodeRGBAPNG(t, patternImage(8, 8)), true},
		{"opaque paletted png", encodePNG(t, palettedImage(color.White)), false},
		{"paletted png with transparent entry", encodePNG(t, palettedImage(color.Transparent)), true},
		{"gif", encodeAnimation(t, &gif.GIF{Image: []*image.Paletted{palettedImage(color.White)}, Delay: []int{0}}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := ImagingCodec{}.Decode(bytes.NewReader(tt.data))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if buf.HasAlpha() != tt.want {
				t.Errorf("HasAlpha() = %v, want %v", buf.HasAlpha(), tt.want)
			}
		})
	}
}
