package handler

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"railwatch/internal/dto"
	"railwatch/internal/logger"
	"railwatch/internal/model"
	"railwatch/internal/repository"
	"railwatch/internal/service/dataset"
)

// LabelListener is told when labels change so it can decide to retrain.
type LabelListener interface {
	Notify(ctx context.Context) bool
}

// AnnotateHandler handles GET /api/annotate?idx=N.
func AnnotateHandler(data *dataset.Store, annotations repository.AnnotationRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		images, err := data.Images()
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if len(images) == 0 {
			writeJSON(w, logger, http.StatusNotFound, dto.ErrorResponse{Error: "no training images to annotate"})
			return
		}

		idx, _ := strconv.Atoi(r.URL.Query().Get("idx"))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(images) {
			idx = len(images) - 1
		}
		name := images[idx]

		boxes, err := data.Labels(name)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if len(boxes) == 0 {
			item, err := annotations.GetPendingByImage(r.Context(), name)
			if err != nil {
				logger.Warning("Error loading proposals for %s: %v", name, err)
			} else if item != nil {
				boxes = item.Proposals
			}
		}
		if boxes == nil {
			boxes = []model.Box{}
		}

		classes, err := data.Classes()
		if err != nil {
			writeError(w, logger, err)
			return
		}

		writeJSON(w, logger, http.StatusOK, dto.AnnotateData{
			ImageName:     name,
			ImageURL:      "/dataset/images/" + url.PathEscape(name),
			Idx:           idx,
			Total:         len(images),
			ExistingBoxes: boxes,
			Classes:       classes,
		})
	}
}

// SaveLabelsHandler handles POST /api/annotate/save.
func SaveLabelsHandler(data *dataset.Store, annotations repository.AnnotationRepository, trainer LabelListener,
	logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.SaveLabelsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		if err := data.SaveLabels(req.ImageName, req.Boxes); err != nil {
			writeError(w, logger, err)
			return
		}
		if err := annotations.MarkDone(r.Context(), req.ImageName); err != nil {
			logger.Error("Failed to mark annotation for %s done: %v", req.ImageName, err)
		}
		logger.Info("Saved %d label(s) for %s", len(req.Boxes), req.ImageName)

		started := trainer.Notify(r.Context())
		writeJSON(w, logger, http.StatusOK, dto.SaveLabelsResponse{
			Message:         "Labels saved",
			Count:           len(req.Boxes),
			TrainingStarted: started,
		})
	}
}

// PendingAnnotationsHandler handles GET /api/annotations/pending.
func PendingAnnotationsHandler(annotations repository.AnnotationRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := annotations.GetPending(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if items == nil {
			items = []model.AnnotationItem{}
		}
		writeJSON(w, logger, http.StatusOK, items)
	}
}

// ClassesHandler handles GET /api/classes.
func ClassesHandler(data *dataset.Store, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		classes, err := data.Classes()
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, dto.ClassesResponse{Classes: classes})
	}
}

// AddClassHandler handles POST /api/classes.
func AddClassHandler(data *dataset.Store, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.ClassRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		classes, added, err := data.AddClass(req.ClassName)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		status := "exists"
		if added {
			status = "added"
		}
		writeJSON(w, logger, http.StatusOK, dto.ClassesResponse{Status: status, Classes: classes})
	}
}
