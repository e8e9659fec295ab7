package source

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/nfnt/resize"
)

const jpegQuality = 80

// encodeFrame scales img to width x height when needed and encodes it as a
// baseline JPEG, the payload of an MJPEG track.
func encodeFrame(img image.Image, width, height int) ([]byte, error) {
	b := img.Bounds()
	if width > 0 && height > 0 && (b.Dx() != width || b.Dy() != height) {
		img = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var testPatternBars = []color.RGBA{
	{0xC0, 0xC0, 0xC0, 0xFF},
	{0xC0, 0xC0, 0x00, 0xFF},
	{0x00, 0xC0, 0xC0, 0xFF},
	{0x00, 0xC0, 0x00, 0xFF},
	{0xC0, 0x00, 0xC0, 0xFF},
	{0xC0, 0x00, 0x00, 0xFF},
	{0x00, 0x00, 0xC0, 0xFF},
}

// testPattern draws colour bars with a white marker that moves one step per
// frame, so consecutive frames differ.
func testPattern(width, height int, frame uint64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	barWidth := width / len(testPatternBars)
	if barWidth == 0 {
		barWidth = 1
	}
	markerX := int(frame*4) % width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := x / barWidth
			if i >= len(testPatternBars) {
				i = len(testPatternBars) - 1
			}
			c := testPatternBars[i]
			if x >= markerX && x < markerX+4 {
				c = color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// isBlank reports whether every pixel of img is fully transparent black,
// which is what some platforms return for a refused screen grab.
func isBlank(img *image.RGBA) bool {
	if img == nil || img.Bounds().Empty() {
		return true
	}
	for _, v := range img.Pix {
		if v != 0 {
			return false
		}
	}
	return true
}
