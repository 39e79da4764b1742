package training

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"railwatch/internal/logger"
)

// YOLORunner trains through the Ultralytics CLI and exports the best weights to ONNX.
type YOLORunner struct {
	Command     string // usually "yolo"
	BaseWeights string // .pt checkpoint the run fine-tunes; refreshed after each success
	Epochs      int
	ImageSize   int
	Batch       int
	Device      string
	Logger      *logger.Logger
}

// Args returns the train invocation for spec.
func (r *YOLORunner) Args(spec RunSpec) []string {
	return []string{
		"detect", "train",
		"data=" + spec.DataYAML,
		"model=" + r.BaseWeights,
		"epochs=" + strconv.Itoa(r.Epochs),
		"imgsz=" + strconv.Itoa(r.ImageSize),
		"batch=" + strconv.Itoa(r.Batch),
		"workers=0",
		"device=" + r.Device,
		"project=" + filepath.Dir(spec.Dir),
		"name=" + filepath.Base(spec.Dir),
		"exist_ok=True",
	}
}

// ExportArgs returns the ONNX export invocation for a trained checkpoint.
func (r *YOLORunner) ExportArgs(checkpoint string) []string {
	return []string{
		"export",
		"model=" + checkpoint,
		"format=onnx",
		"imgsz=" + strconv.Itoa(r.ImageSize),
	}
}

func (r *YOLORunner) Run(ctx context.Context, spec RunSpec) (string, error) {
	if err := os.MkdirAll(filepath.Dir(spec.Dir), 0755); err != nil {
		return "", fmt.Errorf("failed to create runs directory: %w", err)
	}

	if err := r.exec(ctx, r.Args(spec)); err != nil {
		return "", fmt.Errorf("train: %w", err)
	}

	checkpoint := filepath.Join(spec.Dir, "weights", "best.pt")
	if _, err := os.Stat(checkpoint); err != nil {
		return "", fmt.Errorf("train produced no checkpoint: %w", err)
	}

	if err := r.exec(ctx, r.ExportArgs(checkpoint)); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}

	exported := filepath.Join(spec.Dir, "weights", "best.onnx")
	if _, err := os.Stat(exported); err != nil {
		return "", fmt.Errorf("export produced no onnx file: %w", err)
	}

	if err := copyFile(checkpoint, r.BaseWeights); err != nil {
		r.Logger.Warning("Failed to refresh base weights %s: %v", r.BaseWeights, err)
	}
	return exported, nil
}

func (r *YOLORunner) exec(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, r.Command, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	r.Logger.Info("Running %s %v", r.Command, args)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s failed: %w: %s", r.Command, err, tail(out.Bytes(), 2048))
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(bytes.TrimSpace(b))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*"+filepath.Ext(dst))
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
