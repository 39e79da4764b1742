package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"railwatch/internal/model"
	"railwatch/internal/service/dataset"
	"railwatch/internal/service/review"
)

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

func importCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "import [dir]",
		Short: "Register images as pending faults",
		Long: `Register every image in dir as a pending fault. Images outside the media
directory are copied into it first. Images that already have a fault or were
already resolved into the training dataset are skipped. Without dir the media
directory itself is scanned.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := e.cfg.MediaDirectory
			if len(args) == 1 {
				src = args[0]
			}

			res, err := importImages(cmd.Context(), e.reviews, e.data, src)
			if err != nil {
				return err
			}

			green := color.New(color.FgGreen).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d image(s) imported from %s\n", green("✓"), res.imported, src)
			if res.existing > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "  %d already registered\n", res.existing)
			}
			if res.resolved > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "  %d already in the dataset\n", res.resolved)
			}
			for _, f := range res.failed {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", yellow("skipped"), f)
			}
			return nil
		},
	}
}

type importResult struct {
	imported int
	existing int
	resolved int
	failed   []string
}

// importImages creates a pending fault for every image in src that has none.
// Resolving a fault removes its row but leaves the media file, so images that
// are already in the training dataset are not registered again.
func importImages(ctx context.Context, reviews *review.Service, data *dataset.Store, src string) (importResult, error) {
	var res importResult

	classes, err := data.Classes()
	if err != nil {
		return res, err
	}
	trained, err := data.Images()
	if err != nil {
		return res, err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return res, fmt.Errorf("failed to read %s: %w", src, err)
	}

	known, err := reviews.ListAll(ctx)
	if err != nil {
		return res, err
	}
	registered := make(map[string]bool, len(known))
	for _, f := range known {
		registered[f.Image] = true
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	sameDir := sameDirectory(src, reviews.MediaDir())
	for _, name := range names {
		if registered[name] {
			res.existing++
			continue
		}
		if inDataset(data, trained, filepath.Join(src, name)) {
			res.resolved++
			continue
		}

		if !sameDir {
			if err := copyInto(filepath.Join(src, name), filepath.Join(reviews.MediaDir(), name)); err != nil {
				res.failed = append(res.failed, fmt.Sprintf("%s: %v", name, err))
				continue
			}
		}

		_, err := reviews.Create(ctx, model.NewFault{
			Image:     name,
			FaultName: review.DisplayName(name, classes),
		})
		if err != nil {
			res.failed = append(res.failed, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		res.imported++
	}
	return res, nil
}

// inDataset reports whether the image at path was materialized into the
// dataset, either under its own name or under a "<stem>-N<ext>" name given
// on a stem collision. Renamed copies are matched by content.
func inDataset(data *dataset.Store, trained []string, path string) bool {
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	prefix := strings.TrimSuffix(name, ext) + "-"

	var content []byte
	for _, t := range trained {
		if t == name {
			return true
		}
		if filepath.Ext(t) != ext || !strings.HasPrefix(t, prefix) {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(t, prefix), ext)); err != nil {
			continue
		}
		if content == nil {
			var err error
			if content, err = os.ReadFile(path); err != nil {
				return false
			}
		}
		imgPath, err := data.ImagePath(t)
		if err != nil {
			continue
		}
		if other, err := os.ReadFile(imgPath); err == nil && bytes.Equal(content, other) {
			return true
		}
	}
	return false
}

func sameDirectory(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

// copyInto copies src to dst, refusing to overwrite an existing file.
func copyInto(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
