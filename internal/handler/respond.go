package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"railwatch/internal/dto"
	"railwatch/internal/logger"
	"railwatch/internal/model"
	"railwatch/internal/service/phash"
)

func writeJSON(w http.ResponseWriter, logger *logger.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, logger *logger.Logger, err error) {
	status, message := http.StatusInternalServerError, "internal server error"
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrNoDuplicates):
		status, message = http.StatusNotFound, model.ErrNoDuplicates.Error()
	case errors.Is(err, model.ErrNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, model.ErrBusy):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, phash.ErrHash):
		message = "hash error"
	}
	if status == http.StatusInternalServerError {
		logger.Error("Request failed: %v", err)
	}
	writeJSON(w, logger, status, dto.ErrorResponse{Error: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", model.ErrInvalidInput, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid fault id %q", model.ErrInvalidInput, r.PathValue("id"))
	}
	return id, nil
}

// atoiDefault returns def for empty, malformed or non-positive input.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}
