package pipeline

import (
	"image"
)

// averageBrightness estimates scene brightness by sampling a fixed grid
// of pixels and averaging channel intensity (0-255).
func averageBrightness(img image.Image) int {
	if img == nil {
		return 0
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return 0
	}

	stepX := width / brightnessGrid
	if stepX == 0 {
		stepX = 1
	}
	stepY := height / brightnessGrid
	if stepY == 0 {
		stepY = 1
	}

	total := 0
	samples := 0
	for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
		for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
			r, g, b, _ := img.At(x, y).RGBA()
			// RGBA returns 16-bit channels; scale down to 8-bit.
			total += int((r>>8 + g>>8 + b>>8) / 3)
			samples++
		}
	}

	if samples == 0 {
		return 0
	}
	return total / samples
}
