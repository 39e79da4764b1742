// FaultsData is a paginated response payload for the review dashboard.
package dto

import "railwatch/internal/model"

type FaultView struct {
	model.FaultRecord
	DisplayName string `json:"display_name"`
	ImageURL    string `json:"image_url,omitempty"`
}

type FaultsData struct {
	Faults      []FaultView      `json:"faults"`
	Stats       model.FaultStats `json:"stats"`
	Length      int              `json:"length"`
	TotalPages  int              `json:"totalPages"`
	CurrentPage int              `json:"currentPage"`
	Limit       int              `json:"pageSize"`
}

type TasksData struct {
	Tasks       []model.TaskStatus `json:"tasks"`
	Length      int                `json:"length"`
	TotalPages  int                `json:"totalPages"`
	CurrentPage int                `json:"currentPage"`
	Limit       int                `json:"pageSize"`
}

// TotalPages returns the page count for total items split into pages of limit.
func TotalPages(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
