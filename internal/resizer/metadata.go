package resizer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrNotJPEG is returned when a metadata copy involves a non-JPEG file
	ErrNotJPEG = errors.New("not a JPEG stream")
	// ErrNoExif is returned when the source carries no metadata segments
	ErrNoExif = errors.New("no metadata segments")
)

// MetadataCopier copies metadata tags from one image file to another.
// Failures are reported but never abort a resize.
type MetadataCopier interface {
	CopyMetadata(srcPath, dstPath string) error
}

// JPEGMetadataCopier transplants the APPn segments (EXIF, XMP, ICC, IPTC)
// of a JPEG source into a JPEG destination. When ResetOrientation is set the
// EXIF orientation tag of the copy is rewritten to 1, since the destination
// pixels are already upright.
type JPEGMetadataCopier struct {
	ResetOrientation bool
}

// NewJPEGMetadataCopier returns a copier that resets the orientation tag
func NewJPEGMetadataCopier() *JPEGMetadataCopier {
	return &JPEGMetadataCopier{ResetOrientation: true}
}

// CopyMetadata implements MetadataCopier
func (c *JPEGMetadataCopier) CopyMetadata(srcPath, dstPath string) error {
	srcData, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	srcSegments, _, err := splitJPEGHeader(srcData)
	if errors.Is(err, ErrNotJPEG) {
		return ErrNoExif
	}
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if len(srcSegments) == 0 {
		return ErrNoExif
	}

	dstData, err := os.ReadFile(dstPath)
	if err != nil {
		return fmt.Errorf("read destination: %w", err)
	}
	_, body, err := splitJPEGHeader(dstData)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}

	var out bytes.Buffer
	out.Grow(len(dstData) + len(srcData)/4)
	out.Write([]byte{0xFF, 0xD8})
	for _, seg := range srcSegments {
		if c.ResetOrientation && isExifSegment(seg) {
			resetExifOrientation(seg)
		}
		out.Write(seg)
	}
	out.Write(body)

	info, err := os.Stat(dstPath)
	if err != nil {
		return fmt.Errorf("stat destination: %w", err)
	}
	tmp := dstPath + ".meta"
	if err := os.WriteFile(tmp, out.Bytes(), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write destination: %w", err)
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace destination: %w", err)
	}
	return nil
}

// splitJPEGHeader returns copies of the APPn segments before the first
// non-metadata marker and the remainder of the stream from that marker on.
// COM segments are dropped from the remainder.
func splitJPEGHeader(data []byte) ([][]byte, []byte, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, nil, ErrNotJPEG
	}

	var segments [][]byte
	i := 2
	for i < len(data)-1 {
		if data[i] != 0xFF {
			return nil, nil, fmt.Errorf("corrupt marker at offset %d", i)
		}
		marker := data[i+1]
		if marker == 0xFF {
			i++
			continue
		}
		isApp := marker >= 0xE0 && marker <= 0xEF
		if !isApp && marker != 0xFE {
			return segments, data[i:], nil
		}
		if i+4 > len(data) {
			break
		}
		length := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		end := i + 2 + length
		if length < 2 || end > len(data) {
			return nil, nil, fmt.Errorf("truncated segment at offset %d", i)
		}
		if isApp {
			segments = append(segments, append([]byte(nil), data[i:end]...))
		}
		i = end
	}
	return nil, nil, fmt.Errorf("no image data")
}

var exifHeader = []byte("Exif\x00\x00")

func isExifSegment(seg []byte) bool {
	return seg[1] == 0xE1 && len(seg) > 4+len(exifHeader) && bytes.Equal(seg[4:4+len(exifHeader)], exifHeader)
}

// resetExifOrientation rewrites tag 0x0112 in IFD0 to 1 in place.
// Malformed TIFF structures are left untouched.
func resetExifOrientation(seg []byte) {
	tiff := seg[4+len(exifHeader):]
	if len(tiff) < 8 {
		return
	}

	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return
	}
	if order.Uint16(tiff[2:4]) != 42 {
		return
	}

	ifd := int(order.Uint32(tiff[4:8]))
	if ifd+2 > len(tiff) {
		return
	}
	count := int(order.Uint16(tiff[ifd : ifd+2]))
	for n := 0; n < count; n++ {
		entry := ifd + 2 + n*12
		if entry+12 > len(tiff) {
			return
		}
		if order.Uint16(tiff[entry:entry+2]) != 0x0112 {
			continue
		}
		// SHORT, count 1: value sits left-justified in the offset field
		if order.Uint16(tiff[entry+2:entry+4]) == 3 {
			order.PutUint16(tiff[entry+8:entry+10], uint16(OrientationNormal))
		}
		return
	}
}
