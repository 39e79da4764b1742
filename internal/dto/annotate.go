package dto

import "railwatch/internal/model"

// AnnotateData describes one training image for the annotation page.
type AnnotateData struct {
	ImageName     string      `json:"image_name"`
	ImageURL      string      `json:"image_url"`
	Idx           int         `json:"idx"`
	Total         int         `json:"total"`
	ExistingBoxes []model.Box `json:"existing_boxes"`
	Classes       []string    `json:"classes"`
}

type SaveLabelsRequest struct {
	ImageName string      `json:"image_name"`
	Boxes     []model.Box `json:"boxes"`
}

type SaveLabelsResponse struct {
	Message         string `json:"message"`
	Count           int    `json:"count"`
	TrainingStarted bool   `json:"training_started"`
}

type ClassRequest struct {
	ClassName string `json:"class_name"`
}

type ClassesResponse struct {
	Status  string   `json:"status,omitempty"`
	Classes []string `json:"classes"`
}
