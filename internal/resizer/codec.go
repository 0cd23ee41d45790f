package resizer

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
	"github.com/h2non/filetype"
)

// ErrUndecodable is returned when the source cannot be parsed as an image.
// It is a recoverable "no result" condition, not a processing fault.
var ErrUndecodable = errors.New("image could not be decoded")

// Codec decodes source images and encodes output buffers
type Codec interface {
	Decode(r io.Reader) (*Buffer, error)
	Encode(w io.Writer, buf *Buffer, format Format, quality int) error
}

// ImagingCodec is the Codec backed by disintegration/imaging. It reads
// JPEG, PNG, GIF (first frame), BMP and TIFF.
type ImagingCodec struct{}

// sniffLen is the number of header bytes filetype needs to match any image type
const sniffLen = 262

// Decode implements Codec
func (ImagingCodec) Decode(r io.Reader) (*Buffer, error) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if !filetype.IsImage(head) {
		return nil, fmt.Errorf("%w: not an image", ErrUndecodable)
	}

	img, err := imaging.Decode(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return NewBuffer(img), nil
}

// Encode implements Codec. Quality only applies to JPEG.
func (ImagingCodec) Encode(w io.Writer, buf *Buffer, format Format, quality int) error {
	switch format {
	case FormatPNG:
		return imaging.Encode(w, buf.Image(), imaging.PNG)
	case FormatJPEG:
		return imaging.Encode(w, buf.Image(), imaging.JPEG, imaging.JPEGQuality(quality))
	case FormatGIF:
		return imaging.Encode(w, buf.Image(), imaging.GIF)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}
