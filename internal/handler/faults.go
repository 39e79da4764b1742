package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"railwatch/internal/dto"
	"railwatch/internal/logger"
	"railwatch/internal/model"
	"railwatch/internal/service/curation"
	"railwatch/internal/service/dataset"
	"railwatch/internal/service/review"
)

// Resolver disposes of a fault and its near-duplicates.
type Resolver interface {
	Resolve(ctx context.Context, targetID int64, decision model.Decision) (curation.Result, error)
}

// ConfirmHandler handles POST /api/faults/{id}/confirm.
func ConfirmHandler(engine Resolver, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		var req dto.ConfirmRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		decision, err := curation.ParseDecision(req.Action)
		if err != nil {
			writeJSON(w, logger, http.StatusBadRequest, dto.ErrorResponse{Error: "invalid action"})
			return
		}

		result, err := engine.Resolve(r.Context(), id, decision)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				writeJSON(w, logger, http.StatusNotFound, dto.ErrorResponse{Error: "target image not found"})
				return
			}
			writeError(w, logger, err)
			return
		}

		message := fmt.Sprintf("%d duplicate images copied with blank labels and deleted from dashboard.", len(result.CopiedIDs))
		if decision == model.Accept {
			message = fmt.Sprintf("%d duplicate images copied, deleted, and ready for annotation.", len(result.CopiedIDs))
		}

		writeJSON(w, logger, http.StatusOK, dto.ConfirmResponse{
			Message:   message,
			Count:     result.Count,
			CopiedIDs: nonNil(result.CopiedIDs),
			FailedIDs: nonNil(result.Failed),
			BatchID:   result.BatchID,
			Redirect:  result.Redirect,
			Warning:   result.Warning,
		})
	}
}

// ListFaultsHandler handles GET /api/faults: the pending review page.
func ListFaultsHandler(reviews *review.Service, data *dataset.Store, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := atoiDefault(q.Get("page"), 1)
		limit := atoiDefault(q.Get("limit"), 20)

		faults, total, err := reviews.ListPending(r.Context(), page, limit)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		stats, err := reviews.Stats(r.Context())
		if err != nil {
			logger.Error("Error counting faults: %v", err)
			stats = &model.FaultStats{}
		}

		classes, err := data.Classes()
		if err != nil {
			logger.Warning("Error reading classes: %v", err)
		}

		writeJSON(w, logger, http.StatusOK, dto.FaultsData{
			Faults:      views(faults, classes),
			Stats:       *stats,
			Length:      total,
			TotalPages:  dto.TotalPages(total, limit),
			CurrentPage: page,
			Limit:       limit,
		})
	}
}

// ListAllFaultsHandler handles GET /api/faults/all.
func ListAllFaultsHandler(reviews *review.Service, data *dataset.Store, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		faults, err := reviews.ListAll(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		classes, _ := data.Classes()
		writeJSON(w, logger, http.StatusOK, views(faults, classes))
	}
}

// AssignHandler handles POST /api/faults/{id}/assign.
func AssignHandler(reviews *review.Service, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		var req dto.AssignRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, logger, err)
				return
			}
		}

		fault, err := reviews.Assign(r.Context(), id, req.AssignedTo)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, dto.MessageResponse{
			Message: fmt.Sprintf("Fault %d assigned to %s", fault.ID, fault.AssignedTo),
		})
	}
}

// FeedbackHandler handles POST /api/faults/{id}/feedback.
func FeedbackHandler(reviews *review.Service, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		var req dto.FeedbackRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		if strings.TrimSpace(req.Feedback) == "" {
			writeJSON(w, logger, http.StatusBadRequest, dto.ErrorResponse{Error: "Feedback message is required."})
			return
		}

		if _, err := reviews.Feedback(r.Context(), id, req.Feedback); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, dto.MessageResponse{
			Message: fmt.Sprintf("Feedback submitted successfully for fault ID %d", id),
		})
	}
}

// ListTasksHandler handles GET /api/tasks.
func ListTasksHandler(reviews *review.Service, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := atoiDefault(q.Get("page"), 1)
		limit := atoiDefault(q.Get("limit"), 10)

		tasks, total, err := reviews.ListTasks(r.Context(), page, limit)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if tasks == nil {
			tasks = []model.TaskStatus{}
		}

		writeJSON(w, logger, http.StatusOK, dto.TasksData{
			Tasks:       tasks,
			Length:      total,
			TotalPages:  dto.TotalPages(total, limit),
			CurrentPage: page,
			Limit:       limit,
		})
	}
}

func views(faults []model.FaultRecord, classes []string) []dto.FaultView {
	out := make([]dto.FaultView, 0, len(faults))
	for _, f := range faults {
		v := dto.FaultView{FaultRecord: f, DisplayName: review.DisplayName(f.Image, classes)}
		if f.Image != "" {
			v.ImageURL = "/media/" + f.Image
		}
		out = append(out, v)
	}
	return out
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
