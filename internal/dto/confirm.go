package dto

// ConfirmRequest is the body of POST /api/faults/{id}/confirm.
type ConfirmRequest struct {
	Action string `json:"action"`
}

// ConfirmResponse reports how a confirm action disposed of the duplicate group.
type ConfirmResponse struct {
	Message   string  `json:"message"`
	Count     int     `json:"count"`
	CopiedIDs []int64 `json:"copied_ids"`
	FailedIDs []int64 `json:"failed_ids"`
	BatchID   string  `json:"batch_id,omitempty"`
	Redirect  string  `json:"redirect,omitempty"`
	Warning   string  `json:"warning,omitempty"`
}

type AssignRequest struct {
	AssignedTo string `json:"assigned_to"`
}

type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
