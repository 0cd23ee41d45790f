package resizer

import (
	"fmt"
	"os"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

// Orientation is the EXIF orientation tag (values 1..8)
type Orientation int

const (
	OrientationNormal     Orientation = 1
	OrientationMirrorH    Orientation = 2
	OrientationRotate180  Orientation = 3
	OrientationMirrorV    Orientation = 4
	OrientationTranspose  Orientation = 5
	OrientationRotate90   Orientation = 6
	OrientationTransverse Orientation = 7
	OrientationRotate270  Orientation = 8
)

// Transform is the pixel operation that brings an image stored with a given
// orientation upright: mirror horizontally first, then rotate clockwise.
type Transform struct {
	Degrees  int
	Mirrored bool
}

// SwapsAxes reports whether the transform exchanges width and height
func (t Transform) SwapsAxes() bool {
	return t.Degrees == 90 || t.Degrees == 270
}

// Transform maps the tag onto its rotation/mirror pair. Values outside 1..8
// map to the identity.
func (o Orientation) Transform() Transform {
	switch o {
	case OrientationMirrorH:
		return Transform{Degrees: 0, Mirrored: true}
	case OrientationRotate180:
		return Transform{Degrees: 180}
	case OrientationMirrorV:
		return Transform{Degrees: 180, Mirrored: true}
	case OrientationTranspose:
		return Transform{Degrees: 270, Mirrored: true}
	case OrientationRotate90:
		return Transform{Degrees: 90}
	case OrientationTransverse:
		return Transform{Degrees: 90, Mirrored: true}
	case OrientationRotate270:
		return Transform{Degrees: 270}
	default:
		return Transform{}
	}
}

// Inverse returns the tag whose transform undoes o's transform
func (o Orientation) Inverse() Orientation {
	switch o {
	case OrientationRotate90:
		return OrientationRotate270
	case OrientationRotate270:
		return OrientationRotate90
	default:
		return o
	}
}

// IsNormal reports whether no pixel transform is needed
func (o Orientation) IsNormal() bool {
	return o.Transform() == Transform{}
}

func (o Orientation) String() string {
	switch o {
	case OrientationNormal:
		return "normal"
	case OrientationMirrorH:
		return "mirror-horizontal"
	case OrientationRotate180:
		return "rotate-180"
	case OrientationMirrorV:
		return "mirror-vertical"
	case OrientationTranspose:
		return "transpose"
	case OrientationRotate90:
		return "rotate-90"
	case OrientationTransverse:
		return "transverse"
	case OrientationRotate270:
		return "rotate-270"
	default:
		return fmt.Sprintf("orientation(%d)", int(o))
	}
}

// Normalize applies the transform for o to buf. It returns the new buffer
// and true, or buf itself and false when o is already upright.
func Normalize(buf *Buffer, o Orientation) (*Buffer, bool) {
	t := o.Transform()
	if t == (Transform{}) {
		return buf, false
	}

	img := buf.Image()
	if t.Mirrored {
		img = imaging.FlipH(img)
	}
	// imaging rotates counter-clockwise
	switch t.Degrees {
	case 90:
		img = imaging.Rotate270(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate90(img)
	}
	return buf.derive(img), true
}

// OrientationReader reads the orientation tag stored with a source file
type OrientationReader interface {
	ReadOrientation(path string) Orientation
}

// ExifOrientationReader reads the EXIF orientation tag with goexif.
// Files without EXIF, or with an unreadable tag, are reported as normal.
type ExifOrientationReader struct{}

// ReadOrientation implements OrientationReader
func (ExifOrientationReader) ReadOrientation(path string) Orientation {
	f, err := os.Open(path)
	if err != nil {
		return OrientationNormal
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil || x == nil {
		return OrientationNormal
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil || tag == nil || tag.Count == 0 {
		return OrientationNormal
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return OrientationNormal
	}
	return Orientation(v)
}
