package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"railwatch/internal/dto"
	"railwatch/internal/logger"
	"railwatch/internal/model"
	"railwatch/internal/service/training"
)

const maxVideoUpload = 2 << 30

var videoExtensions = map[string]bool{".mp4": true, ".avi": true, ".mov": true, ".mkv": true}

// Detector runs the detection feed over a video file.
type Detector interface {
	Start(ctx context.Context, path string) (string, error)
	Running() (bool, string)
	VideoDir() string
}

// Trainer starts and reports retraining runs.
type Trainer interface {
	Start(ctx context.Context) (bool, error)
	Status() training.Status
}

type startResponse struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// DetectHandler handles POST /api/detect. An optional multipart video_file is
// stored in the video directory and processed; otherwise the newest video is used.
func DetectHandler(detector Detector, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if running, source := detector.Running(); running {
			writeError(w, logger, fmt.Errorf("%w: detection already running on %s", model.ErrBusy, filepath.Base(source)))
			return
		}

		path, err := saveUpload(w, r, detector.VideoDir())
		if err != nil {
			writeError(w, logger, err)
			return
		}

		// the run outlives the request
		source, err := detector.Start(context.WithoutCancel(r.Context()), path)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		logger.Info("Fault detection started on %s", filepath.Base(source))
		writeJSON(w, logger, http.StatusAccepted, startResponse{
			Message: "Fault detection started",
			Source:  filepath.Base(source),
		})
	}
}

// saveUpload stores the video_file part, returning "" when none was sent.
func saveUpload(w http.ResponseWriter, r *http.Request, dir string) (string, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return "", nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxVideoUpload)
	file, header, err := r.FormFile("video_file")
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: bad upload: %v", model.ErrInvalidInput, err)
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !videoExtensions[strings.ToLower(filepath.Ext(name))] {
		return "", fmt.Errorf("%w: unsupported video type %q", model.ErrInvalidInput, filepath.Ext(name))
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	dst := filepath.Join(dir, time.Now().Format("20060102_150405")+"_"+name)
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("%w: save upload: %v", model.ErrIO, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	return dst, nil
}

// TrainHandler handles POST /api/train.
func TrainHandler(trainer Trainer, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started, err := trainer.Start(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if !started {
			writeJSON(w, logger, http.StatusConflict, dto.ErrorResponse{Error: "training already in progress"})
			return
		}
		writeJSON(w, logger, http.StatusAccepted, startResponse{Message: "Training started"})
	}
}

// TrainStatusHandler handles GET /api/train/status.
func TrainStatusHandler(trainer Trainer, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, trainer.Status())
	}
}
