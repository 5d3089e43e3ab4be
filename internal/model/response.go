package model

// APIResponse is the success envelope shared by every endpoint.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data"`
}

// OK wraps data in a success envelope.
func OK(message string, data any) APIResponse {
	return APIResponse{Success: true, Message: message, Data: data}
}

// ErrorResponse is the failure envelope shared by every endpoint.
type ErrorResponse struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

// NewError builds a failure envelope.
func NewError(statusCode int, message, detail string) ErrorResponse {
	return ErrorResponse{StatusCode: statusCode, Message: message, Error: detail}
}
