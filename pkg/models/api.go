package models

// APIResponse is the envelope every HTTP endpoint returns.
type APIResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// ErrorType categorizes API errors for clients.
type ErrorType string

const (
	ValidationErrorType ErrorType = "validation"
	NotFoundErrorType   ErrorType = "not_found"
	UpstreamErrorType   ErrorType = "upstream"
	GeneralErrorType    ErrorType = "general"
)

// Error is the API error body.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	// Retryable hints that the failure was transient (backend timeout,
	// room under recovery) and the same request may succeed shortly.
	Retryable bool `json:"retryable,omitempty"`
}
