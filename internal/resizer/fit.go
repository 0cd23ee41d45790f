package resizer

import "math"

// Fit computes the size an image of origWidth x origHeight should be scaled
// to so that it fits within the optional maxWidth/maxHeight bounds. It never
// upscales. A nil bound is unconstrained.
//
// The tie-break compares the already clamped width and height, not the
// originals, which decides which axis is recomputed when only one bound binds.
func Fit(origWidth, origHeight int, maxWidth, maxHeight *float64) (int, int) {
	if maxWidth == nil && maxHeight == nil {
		return origWidth, origHeight
	}

	ow := float64(origWidth)
	oh := float64(origHeight)

	width := math.Min(ow, valueOr(maxWidth, ow))
	height := math.Min(oh, valueOr(maxHeight, oh))

	shrinkWidth := maxWidth != nil && *maxWidth < ow
	shrinkHeight := maxHeight != nil && *maxHeight < oh

	if shrinkWidth || shrinkHeight {
		downscaledWidth := (height / oh) * ow
		downscaledHeight := (width / ow) * oh

		switch {
		case width < height:
			if maxWidth == nil {
				width = downscaledWidth
			} else {
				height = downscaledHeight
			}
		case height < width:
			if maxHeight == nil {
				height = downscaledHeight
			} else {
				width = downscaledWidth
			}
		default:
			if ow < oh {
				width = downscaledWidth
			} else if oh < ow {
				height = downscaledHeight
			}
		}
	}

	// The tie-break can recompute an axis past its bound when the other
	// bound is the non-binding one; pull it back keeping the aspect ratio.
	if boundW := math.Min(ow, valueOr(maxWidth, ow)); width > boundW {
		height = height * boundW / width
		width = boundW
	}
	if boundH := math.Min(oh, valueOr(maxHeight, oh)); height > boundH {
		width = width * boundH / height
		height = boundH
	}

	return atLeastOne(width), atLeastOne(height)
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// atLeastOne truncates toward zero; a zero-sized raster cannot be drawn
func atLeastOne(v float64) int {
	n := int(v)
	if n < 1 {
		return 1
	}
	return n
}
