package handler

import (
	"net/http"
	"os"
	"path/filepath"

	"railwatch/internal/service/dataset"
)

// MediaHandler serves fault images from the media directory.
func MediaHandler(mediaDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if dataset.ValidateName(name) != nil {
			http.NotFound(w, r)
			return
		}
		serveImage(w, r, filepath.Join(mediaDir, name))
	}
}

// DatasetImageHandler serves training images for the annotation page.
func DatasetImageHandler(data *dataset.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := data.ImagePath(r.PathValue("name"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		serveImage(w, r, path)
	}
}

func serveImage(w http.ResponseWriter, r *http.Request, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}
