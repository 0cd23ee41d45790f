package resizer

import (
	"bytes"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"io"
	"time"

	"github.com/disintegration/imaging"
)

// DefaultFrameInterval is used when the first frame carries no delay,
// matching the clamp browsers apply to zero delays
const DefaultFrameInterval = 100 * time.Millisecond

// GIFInfo holds the rescaled frames of an animated image
type GIFInfo struct {
	// Frames in decode order
	Frames []*Buffer
	// Interval is the playback interval shared by every frame, taken from
	// the first frame's delay
	Interval time.Duration
	// Delays keeps each frame's own delay from the source
	Delays []time.Duration
	// LoopCount as stored in the source (0 loops forever)
	LoopCount int
}

// ResizeGIF decodes every frame of an animated GIF and fits each one to the
// same bounds. Partial frames are composited onto the logical screen first,
// so every returned frame is a full raster.
func (r *Resizer) ResizeGIF(data []byte, maxWidth, maxHeight *float64) (*GIFInfo, error) {
	if err := (Options{MaxWidth: maxWidth, MaxHeight: maxHeight}).Validate(); err != nil {
		return nil, err
	}

	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("%w: no frames", ErrUndecodable)
	}

	frames := compositeFrames(g)
	info := &GIFInfo{
		Frames:    make([]*Buffer, 0, len(frames)),
		Delays:    make([]time.Duration, len(frames)),
		LoopCount: g.LoopCount,
	}

	for i, frame := range frames {
		buf := NewBuffer(frame)
		width, height := Fit(buf.Width(), buf.Height(), maxWidth, maxHeight)
		if width != buf.Width() || height != buf.Height() {
			buf = buf.derive(imaging.Resize(buf.Image(), width, height, imaging.NearestNeighbor))
		}
		info.Frames = append(info.Frames, buf)
		if i < len(g.Delay) {
			info.Delays[i] = centiseconds(g.Delay[i])
		}
	}

	info.Interval = frameInterval(g)

	r.logger.Debug("gif resized",
		"frames", len(info.Frames),
		"width", info.Frames[0].Width(),
		"height", info.Frames[0].Height(),
		"interval", info.Interval,
	)
	return info, nil
}

// frameInterval prefers the raw delay of the first frame and falls back to
// the clamped default when that delay is zero
func frameInterval(g *gif.GIF) time.Duration {
	if len(g.Delay) > 0 && g.Delay[0] > 0 {
		return centiseconds(g.Delay[0])
	}
	return DefaultFrameInterval
}

func centiseconds(n int) time.Duration {
	return time.Duration(n) * 10 * time.Millisecond
}

// compositeFrames renders each GIF frame onto the logical screen honouring
// the disposal method of the previous frame
func compositeFrames(g *gif.GIF) []*image.NRGBA {
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
		for _, frame := range g.Image[1:] {
			bounds = bounds.Union(frame.Bounds())
		}
	}

	canvas := image.NewNRGBA(bounds)
	frames := make([]*image.NRGBA, 0, len(g.Image))
	for i, frame := range g.Image {
		var disposal byte
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}

		var previous *image.NRGBA
		if disposal == gif.DisposalPrevious {
			previous = imaging.Clone(canvas)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		frames = append(frames, imaging.Clone(canvas))

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = previous
		}
	}
	return frames
}

// EncodeGIF writes info as an animated GIF. Each frame keeps its own delay
// when uniform is false, otherwise every frame uses info.Interval.
func EncodeGIF(w io.Writer, info *GIFInfo, uniform bool) error {
	if info == nil || len(info.Frames) == 0 {
		return fmt.Errorf("gif has no frames")
	}

	out := &gif.GIF{
		Image:     make([]*image.Paletted, len(info.Frames)),
		Delay:     make([]int, len(info.Frames)),
		Disposal:  make([]byte, len(info.Frames)),
		LoopCount: info.LoopCount,
	}
	for i, frame := range info.Frames {
		src := frame.Image()
		paletted := image.NewPaletted(src.Bounds(), palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, src.Bounds(), src, image.Point{})
		out.Image[i] = paletted
		out.Disposal[i] = gif.DisposalNone

		delay := info.Interval
		if !uniform && i < len(info.Delays) && info.Delays[i] > 0 {
			delay = info.Delays[i]
		}
		out.Delay[i] = int(delay / (10 * time.Millisecond))
	}
	if err := gif.EncodeAll(w, out); err != nil {
		return fmt.Errorf("failed to encode gif: %w", err)
	}
	return nil
}
