package dto

import "railwatch/internal/model"

// DetectionResult is one detector hit in pixel space plus its normalized box.
type DetectionResult struct {
	Label      string
	ClassIndex int
	Confidence float64
	X          int
	Y          int
	Width      int
	Height     int
}

// Normalized converts the pixel rectangle into a label box for a frame of the given size.
func (d DetectionResult) Normalized(frameWidth, frameHeight int) model.Box {
	if frameWidth <= 0 || frameHeight <= 0 {
		return model.Box{Class: d.ClassIndex}
	}
	fw, fh := float64(frameWidth), float64(frameHeight)
	return model.Box{
		Class:   d.ClassIndex,
		XCenter: clamp01((float64(d.X) + float64(d.Width)/2) / fw),
		YCenter: clamp01((float64(d.Y) + float64(d.Height)/2) / fh),
		Width:   clamp01(float64(d.Width) / fw),
		Height:  clamp01(float64(d.Height) / fh),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
