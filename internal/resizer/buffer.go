package resizer

import (
	"image"

	"github.com/disintegration/imaging"
)

// Format is an output encoding supported by a Codec
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
)

// ContentType returns the MIME type for the format
func (f Format) ContentType() string {
	return "image/" + string(f)
}

// Buffer is a decoded raster image. Transform stages never mutate a Buffer,
// they return a new one.
type Buffer struct {
	img      *image.NRGBA
	hasAlpha bool
}

// NewBuffer wraps img, converting it to NRGBA when needed. The alpha flag is
// taken from the source image type so a PNG with an alpha channel stays
// lossless.
func NewBuffer(img image.Image) *Buffer {
	nrgba, ok := img.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) {
		nrgba = imaging.Clone(img)
	}
	return &Buffer{img: nrgba, hasAlpha: hasAlphaChannel(img)}
}

// Width returns the buffer width in pixels
func (b *Buffer) Width() int { return b.img.Rect.Dx() }

// Height returns the buffer height in pixels
func (b *Buffer) Height() int { return b.img.Rect.Dy() }

// HasAlpha reports whether the source had an alpha channel
func (b *Buffer) HasAlpha() bool { return b.hasAlpha }

// Image exposes the pixel data
func (b *Buffer) Image() *image.NRGBA { return b.img }

func (b *Buffer) derive(img *image.NRGBA) *Buffer {
	return &Buffer{img: img, hasAlpha: b.hasAlpha}
}

// hasAlphaChannel reports whether the decoded type carries an alpha channel,
// regardless of whether any pixel is actually transparent. The PNG decoder
// only returns NRGBA for color types with alpha or a tRNS chunk.
func hasAlphaChannel(img image.Image) bool {
	switch m := img.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.Alpha, *image.Alpha16, *image.NYCbCrA:
		return true
	case *image.RGBA, *image.RGBA64, *image.YCbCr, *image.Gray, *image.Gray16, *image.CMYK:
		return false
	case *image.Paletted:
		for _, c := range m.Palette {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return true
			}
		}
		return false
	}
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return true
}
