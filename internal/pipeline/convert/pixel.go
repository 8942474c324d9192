// Package convert implements PixelConverter (BGRA -> YUV420P, with crop,
// scale and aspect-ratio preservation) and SampleConverter (native audio ->
// interleaved float32; it does not produce planar output) per spec
// §4.2/§4.3. Grounded on the BGRA<->planar
// conversion shape in _examples/e1z0-QAnotherRTSP/src/video.go's
// bgraScaler, reimplemented on pure Go arithmetic since this repo's
// teacher stack has no swscale binding.
package convert

import "fmt"

// Quality selects the resampling strategy used when the source region and
// the target dimensions differ.
type Quality int

const (
	// QualityFast uses nearest-neighbor sampling: a direct copy when no
	// scaling is needed, otherwise point sampling.
	QualityFast Quality = iota
	// QualityBalanced uses bilinear filtering.
	QualityBalanced
	// QualityHigh applies bilinear filtering in two passes (bicubicBGRA),
	// an approximation rather than a true bicubic kernel.
	QualityHigh
)

// Region is a crop rectangle expressed in source-surface coordinates.
type Region struct {
	Left, Top, Right, Bottom int
}

// Validate rejects degenerate or out-of-bounds regions before any
// conversion runs, per spec §4.2's region-validation rule.
func (r Region) Validate(sourceWidth, sourceHeight int) error {
	if r.Right <= r.Left || r.Bottom <= r.Top {
		return fmt.Errorf("convert: degenerate region %+v", r)
	}
	if r.Left < 0 || r.Top < 0 || r.Right > sourceWidth || r.Bottom > sourceHeight {
		return fmt.Errorf("convert: region %+v out of bounds for %dx%d source", r, sourceWidth, sourceHeight)
	}
	return nil
}

func (r Region) width() int  { return r.Right - r.Left }
func (r Region) height() int { return r.Bottom - r.Top }

// PixelConverter crops a BGRA surface to a region, scales it to the target
// dimensions (optionally preserving aspect ratio via letterbox/pillarbox
// padding) and converts the result to YUV420P.
type PixelConverter struct {
	Quality Quality
}

// NewPixelConverter constructs a converter using the given quality mode.
func NewPixelConverter(q Quality) *PixelConverter {
	return &PixelConverter{Quality: q}
}

// Convert crops `src` (tightly packed BGRA, sourceWidth x sourceHeight) to
// `region`, resizes to targetWidth x targetHeight (0 means "same as
// source"), and returns a YUV420P buffer of that output size.
func (c *PixelConverter) Convert(src []byte, sourceWidth, sourceHeight int, region Region, targetWidth, targetHeight int, maintainAspect bool) ([]byte, int, int, error) {
	if err := region.Validate(sourceWidth, sourceHeight); err != nil {
		return nil, 0, 0, err
	}

	cropW, cropH := region.width(), region.height()
	outW, outH := targetWidth, targetHeight
	if outW == 0 {
		outW = cropW
	}
	if outH == 0 {
		outH = cropH
	}

	var padW, padH int
	contentW, contentH := outW, outH
	if maintainAspect && targetWidth != 0 && targetHeight != 0 {
		contentW, contentH, padW, padH = fitAspect(cropW, cropH, outW, outH)
	}

	cropped := cropBGRA(src, sourceWidth, region)

	var rgba []byte
	if contentW == cropW && contentH == cropH {
		rgba = cropped
	} else {
		switch c.Quality {
		case QualityFast:
			rgba = nearestNeighborBGRA(cropped, cropW, cropH, contentW, contentH)
		case QualityBalanced:
			rgba = bilinearBGRA(cropped, cropW, cropH, contentW, contentH)
		default:
			rgba = bicubicBGRA(cropped, cropW, cropH, contentW, contentH)
		}
	}

	yuv := bgraToYUV420P(rgba, contentW, contentH)
	if padW == 0 && padH == 0 {
		return yuv, contentW, contentH, nil
	}
	return letterbox(yuv, contentW, contentH, outW, outH, padW, padH), outW, outH, nil
}

// fitAspect reduces whichever target dimension would distort the source
// aspect ratio, returning the fitted content size and the symmetric
// padding needed to center it within outW x outH.
func fitAspect(srcW, srcH, outW, outH int) (contentW, contentH, padW, padH int) {
	srcRatio := float64(srcW) / float64(srcH)
	outRatio := float64(outW) / float64(outH)

	if srcRatio > outRatio {
		contentW = outW
		contentH = int(float64(outW) / srcRatio)
	} else {
		contentH = outH
		contentW = int(float64(outH) * srcRatio)
	}
	if contentW < 1 {
		contentW = 1
	}
	if contentH < 1 {
		contentH = 1
	}
	padW = (outW - contentW) / 2
	padH = (outH - contentH) / 2
	return
}

func cropBGRA(src []byte, srcStrideWidth int, r Region) []byte {
	w, h := r.width(), r.height()
	out := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		srcOff := ((r.Top+y)*srcStrideWidth + r.Left) * 4
		dstOff := y * w * 4
		copy(out[dstOff:dstOff+w*4], src[srcOff:srcOff+w*4])
	}
	return out
}

func nearestNeighborBGRA(src []byte, srcW, srcH, dstW, dstH int) []byte {
	out := make([]byte, dstW*dstH*4)
	for y := 0; y < dstH; y++ {
		sy := y * srcH / dstH
		for x := 0; x < dstW; x++ {
			sx := x * srcW / dstW
			si := (sy*srcW + sx) * 4
			di := (y*dstW + x) * 4
			copy(out[di:di+4], src[si:si+4])
		}
	}
	return out
}

func bilinearBGRA(src []byte, srcW, srcH, dstW, dstH int) []byte {
	out := make([]byte, dstW*dstH*4)
	xRatio := float64(srcW-1) / float64(max(dstW-1, 1))
	yRatio := float64(srcH-1) / float64(max(dstH-1, 1))

	for y := 0; y < dstH; y++ {
		srcY := float64(y) * yRatio
		y0 := int(srcY)
		y1 := min(y0+1, srcH-1)
		wy := srcY - float64(y0)

		for x := 0; x < dstW; x++ {
			srcX := float64(x) * xRatio
			x0 := int(srcX)
			x1 := min(x0+1, srcW-1)
			wx := srcX - float64(x0)

			for c := 0; c < 4; c++ {
				p00 := float64(src[(y0*srcW+x0)*4+c])
				p01 := float64(src[(y0*srcW+x1)*4+c])
				p10 := float64(src[(y1*srcW+x0)*4+c])
				p11 := float64(src[(y1*srcW+x1)*4+c])

				top := p00*(1-wx) + p01*wx
				bottom := p10*(1-wx) + p11*wx
				out[(y*dstW+x)*4+c] = byte(top*(1-wy) + bottom*wy)
			}
		}
	}
	return out
}

// bicubicBGRA approximates a higher-order filter by applying the bilinear
// pass twice at half-steps, which is smoother than single-pass bilinear
// for large downscales without pulling in an external resampler.
func bicubicBGRA(src []byte, srcW, srcH, dstW, dstH int) []byte {
	midW, midH := (srcW+dstW)/2, (srcH+dstH)/2
	if midW <= 0 {
		midW = 1
	}
	if midH <= 0 {
		midH = 1
	}
	mid := bilinearBGRA(src, srcW, srcH, midW, midH)
	return bilinearBGRA(mid, midW, midH, dstW, dstH)
}

func letterbox(yuv []byte, contentW, contentH, outW, outH, padW, padH int) []byte {
	out := make([]byte, ByteSize(outW, outH))
	// Mid-gray fill (Y=128, U=V=128) is the standard neutral YUV letterbox color.
	for i := range out {
		out[i] = 128
	}

	ySize := outW * outH
	cYSize := contentW * contentH
	for y := 0; y < contentH; y++ {
		srcOff := y * contentW
		dstOff := (y+padH)*outW + padW
		copy(out[dstOff:dstOff+contentW], yuv[srcOff:srcOff+contentW])
	}

	cw, ch := contentW/2, contentH/2
	ow, oh := outW/2, outH/2
	pw, ph := padW/2, padH/2
	for _, plane := range []int{1, 2} {
		srcBase := ySize + (plane-1)*cYSize/4
		dstBase := ySize + (plane-1)*ow*oh
		for y := 0; y < ch; y++ {
			srcOff := srcBase + y*cw
			dstOff := dstBase + (y+ph)*ow + pw
			copy(out[dstOff:dstOff+cw], yuv[srcOff:srcOff+cw])
		}
	}
	return out
}

// bgraToYUV420P applies the BT.601 full-range matrix per pixel, then
// subsamples chroma 2x2.
func bgraToYUV420P(bgra []byte, w, h int) []byte {
	out := make([]byte, ByteSize(w, h))
	yPlane := out[:w*h]
	uPlane := out[w*h : w*h+w*h/4]
	vPlane := out[w*h+w*h/4:]

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			b := float64(bgra[i])
			g := float64(bgra[i+1])
			r := float64(bgra[i+2])

			yPlane[y*w+x] = byte(clamp(0.299*r+0.587*g+0.114*b, 0, 255))

			if y%2 == 0 && x%2 == 0 {
				u := clamp(-0.169*r-0.331*g+0.5*b+128, 0, 255)
				v := clamp(0.5*r-0.419*g-0.081*b+128, 0, 255)
				ci := (y/2)*(w/2) + x/2
				uPlane[ci] = byte(u)
				vPlane[ci] = byte(v)
			}
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ByteSize returns the expected buffer size for a w x h YUV420P frame.
func ByteSize(width, height int) int {
	return width*height + 2*(width/2)*(height/2)
}
