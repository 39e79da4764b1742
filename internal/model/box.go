package model

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Box is one YOLO bounding box in normalized [0,1] coordinates.
type Box struct {
	Class   int     `json:"cls"`
	XCenter float64 `json:"x_center"`
	YCenter float64 `json:"y_center"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// Validate checks the class index against the number of known classes and
// the coordinates against the unit interval.
func (b Box) Validate(classCount int) error {
	if b.Class < 0 || b.Class >= classCount {
		return fmt.Errorf("%w: class index %d out of range [0,%d)", ErrInvalidInput, b.Class, classCount)
	}
	coords := []struct {
		name  string
		value float64
	}{
		{"x_center", b.XCenter},
		{"y_center", b.YCenter},
		{"width", b.Width},
		{"height", b.Height},
	}
	for _, c := range coords {
		if c.value < 0 || c.value > 1 {
			return fmt.Errorf("%w: %s=%v not in [0,1]", ErrInvalidInput, c.name, c.value)
		}
	}
	return nil
}

// String formats the box as a label file line.
func (b Box) String() string {
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f", b.Class, b.XCenter, b.YCenter, b.Width, b.Height)
}

// ParseBox parses one label file line.
func ParseBox(line string) (Box, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return Box{}, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidInput, len(fields))
	}

	cls, err := strconv.Atoi(fields[0])
	if err != nil {
		return Box{}, fmt.Errorf("%w: class index %q: %v", ErrInvalidInput, fields[0], err)
	}

	var coords [4]float64
	for i := range coords {
		coords[i], err = strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return Box{}, fmt.Errorf("%w: coordinate %q: %v", ErrInvalidInput, fields[i+1], err)
		}
	}

	return Box{Class: cls, XCenter: coords[0], YCenter: coords[1], Width: coords[2], Height: coords[3]}, nil
}

// ReadBoxes parses a whole label file. Blank lines are skipped.
func ReadBoxes(r io.Reader) ([]Box, error) {
	var boxes []Box
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		b, err := ParseBox(line)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, b)
	}
	return boxes, scanner.Err()
}

// FormatBoxes renders boxes as label file content, one per line.
func FormatBoxes(boxes []Box) string {
	var sb strings.Builder
	for _, b := range boxes {
		sb.WriteString(b.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
