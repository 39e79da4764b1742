package ai

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"railwatch/internal/dto"
	"railwatch/internal/logger"
	"railwatch/internal/service/training"
)

const (
	// InputSize is the square blob size the YOLOv8 export expects.
	InputSize = 640
	// NMSThreshold is the IoU above which overlapping boxes are suppressed.
	NMSThreshold = 0.5
)

// DetectorService runs a YOLOv8 ONNX export through the OpenCV DNN module.
// Forward passes are serialized because a gocv.Net is not safe for
// concurrent use.
type DetectorService struct {
	mu         sync.Mutex
	net        gocv.Net
	classes    []string
	confidence float32
	modelPath  string
	logger     *logger.Logger
}

// NewDetectorService loads the weights at modelPath.
func NewDetectorService(modelPath string, classes []string, confidence float64, logger *logger.Logger) (*DetectorService, error) {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", modelPath)
	}

	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", modelPath)
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable backend or target")
	}

	logger.Info("Detection network loaded from %s (%d classes)", modelPath, len(classes))
	return &DetectorService{
		net:        net,
		classes:    classes,
		confidence: float32(confidence),
		modelPath:  modelPath,
		logger:     logger,
	}, nil
}

// Close releases the network.
func (s *DetectorService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.net.Close()
}

// DetectBytes decodes an encoded image and runs DetectObjects on it.
func (s *DetectorService) DetectBytes(imageBytes []byte) ([]dto.DetectionResult, error) {
	mat, err := gocv.IMDecode(imageBytes, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %v", err)
	}
	defer mat.Close()
	return s.DetectObjects(mat)
}

// DetectObjects returns detections above the confidence threshold after
// non-maximum suppression, in pixel coordinates of mat.
func (s *DetectorService) DetectObjects(mat gocv.Mat) ([]dto.DetectionResult, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("image is empty")
	}

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(InputSize, InputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	s.mu.Lock()
	if s.net.Empty() {
		s.mu.Unlock()
		return nil, fmt.Errorf("detection network not initialized")
	}
	s.net.SetInput(blob, "")
	output := s.net.Forward("")
	s.mu.Unlock()
	defer output.Close()

	// output: [1, 4+nc, N], rows are cx, cy, w, h followed by class scores
	dims := output.Size()
	if len(dims) != 3 || dims[1] <= 4 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	attrs, n := dims[1], dims[2]
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %v", err)
	}

	xScale := float32(mat.Cols()) / InputSize
	yScale := float32(mat.Rows()) / InputSize

	var (
		boxes   []image.Rectangle
		scores  []float32
		classes []int
	)
	for i := 0; i < n; i++ {
		best, bestScore := -1, float32(0)
		for c := 4; c < attrs; c++ {
			if score := data[c*n+i]; score > bestScore {
				best, bestScore = c-4, score
			}
		}
		if best < 0 || bestScore < s.confidence {
			continue
		}

		cx, cy := data[i]*xScale, data[n+i]*yScale
		w, h := data[2*n+i]*xScale, data[3*n+i]*yScale
		x0, y0 := int(cx-w/2), int(cy-h/2)
		boxes = append(boxes, image.Rect(x0, y0, x0+int(w), y0+int(h)))
		scores = append(scores, bestScore)
		classes = append(classes, best)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, s.confidence, NMSThreshold)
	results := make([]dto.DetectionResult, 0, len(keep))
	for _, idx := range keep {
		r := boxes[idx].Intersect(image.Rect(0, 0, mat.Cols(), mat.Rows()))
		if r.Empty() {
			continue
		}
		results = append(results, dto.DetectionResult{
			Label:      s.classLabel(classes[idx]),
			ClassIndex: classes[idx],
			Confidence: float64(scores[idx]),
			X:          r.Min.X,
			Y:          r.Min.Y,
			Width:      r.Dx(),
			Height:     r.Dy(),
		})
	}
	return results, nil
}

// DrawRectangle draws detection results on the image and returns a re-encoded JPEG buffer.
func (s *DetectorService) DrawRectangle(detections []dto.DetectionResult, mat gocv.Mat) ([]byte, error) {
	red := color.RGBA{R: 255, G: 0, B: 0, A: 0}

	canvas := mat.Clone()
	defer canvas.Close()

	for _, detection := range detections {
		rect := image.Rect(detection.X, detection.Y, detection.X+detection.Width, detection.Y+detection.Height)
		if err := gocv.Rectangle(&canvas, rect, red, 2); err != nil {
			return nil, fmt.Errorf("failed to draw rectangle: %v", err)
		}

		label := fmt.Sprintf("%s (%.2f)", detection.Label, detection.Confidence)
		pt := image.Pt(detection.X, detection.Y-5)
		if err := gocv.PutText(&canvas, label, pt, gocv.FontHersheySimplex, 0.5, red, 1); err != nil {
			return nil, fmt.Errorf("failed to draw text: %v", err)
		}
	}

	return EncodeJPEG(canvas)
}

// EncodeJPEG encodes mat into a byte slice owned by the caller.
func EncodeJPEG(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %v", err)
	}
	defer buf.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func (s *DetectorService) classLabel(classID int) string {
	if classID >= 0 && classID < len(s.classes) {
		return s.classes[classID]
	}
	return fmt.Sprintf("class%d", classID)
}

// Loader builds detectors for the retrain trigger. The class list is read at
// load time so a model trained on newly added classes gets their names.
type Loader struct {
	Classes    func() ([]string, error)
	Confidence float64
	Logger     *logger.Logger
}

func NewLoader(classes func() ([]string, error), confidence float64, logger *logger.Logger) *Loader {
	return &Loader{Classes: classes, Confidence: confidence, Logger: logger}
}

func (l *Loader) Load(path string) (training.Model, error) {
	names, err := l.Classes()
	if err != nil {
		return nil, fmt.Errorf("failed to read classes: %w", err)
	}
	return NewDetectorService(path, names, l.Confidence, l.Logger)
}
