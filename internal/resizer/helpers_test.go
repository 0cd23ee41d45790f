package resizer

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// patternImage creates an opaque image where every pixel is distinct
func patternImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8((x * 255) / max(width, 1)),
				G: uint8((y * 255) / max(height, 1)),
				B: uint8((x + y*width) % 256),
				A: 255,
			})
		}
	}
	return img
}

// translucentImage creates an image with a transparent corner
func translucentImage(width, height int) *image.NRGBA {
	img := patternImage(width, height)
	img.Set(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 0})
	return img
}

// exifSegment builds an APP1 segment holding a single IFD0 orientation entry
func exifSegment(orientation int, order binary.ByteOrder) []byte {
	var tiff bytes.Buffer
	if order == binary.LittleEndian {
		tiff.WriteString("II")
	} else {
		tiff.WriteString("MM")
	}
	binary.Write(&tiff, order, uint16(42))
	binary.Write(&tiff, order, uint32(8))
	binary.Write(&tiff, order, uint16(1))      // entry count
	binary.Write(&tiff, order, uint16(0x0112)) // orientation
	binary.Write(&tiff, order, uint16(3))      // SHORT
	binary.Write(&tiff, order, uint32(1))
	binary.Write(&tiff, order, uint16(orientation))
	binary.Write(&tiff, order, uint16(0))
	binary.Write(&tiff, order, uint32(0)) // next IFD

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	seg := []byte{0xFF, 0xE1, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
	return append(seg, payload...)
}

// encodeJPEG encodes img and, when orientation > 0, splices an EXIF
// orientation tag right after SOI
func encodeJPEG(t *testing.T, img image.Image, orientation int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	data := buf.Bytes()
	if orientation <= 0 {
		return data
	}
	out := append([]byte{}, data[:2]...)
	out = append(out, exifSegment(orientation, binary.BigEndian)...)
	return append(out, data[2:]...)
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// encodeRGBAPNG writes img as an 8-bit RGBA (color type 6) PNG even when
// every pixel is opaque. png.Encode would drop the alpha channel in that case.
func encodeRGBAPNG(t *testing.T, img *image.NRGBA) []byte {
	t.Helper()
	w, h := img.Rect.Dx(), img.Rect.Dy()

	var raw bytes.Buffer
	for y := 0; y < h; y++ {
		raw.WriteByte(0) // filter: none
		raw.Write(img.Pix[y*img.Stride : y*img.Stride+w*4])
	}
	var idat bytes.Buffer
	zw := zlib.NewWriter(&idat)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		t.Fatalf("failed to compress png data: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to compress png data: %v", err)
	}

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], uint32(w))
	binary.BigEndian.PutUint32(ihdr[4:], uint32(h))
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // truecolor with alpha

	var out bytes.Buffer
	out.WriteString("\x89PNG\r\n\x1a\n")
	for _, c := range []struct {
		typ  string
		data []byte
	}{{"IHDR", ihdr}, {"IDAT", idat.Bytes()}, {"IEND", nil}} {
		binary.Write(&out, binary.BigEndian, uint32(len(c.data)))
		crc := crc32.NewIEEE()
		crc.Write([]byte(c.typ))
		crc.Write(c.data)
		out.WriteString(c.typ)
		out.Write(c.data)
		binary.Write(&out, binary.BigEndian, crc.Sum32())
	}
	return out.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func samePixels(a, b *image.NRGBA) bool {
	return a.Rect.Eq(b.Rect) && bytes.Equal(a.Pix, b.Pix)
}
