package framework

// FieldError is used to indicate an error with a field in a request payload.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ErrorResponse is the structure of response error payloads sent back to the
// requester when handling a request fails.
type ErrorResponse struct {
	Error  string       `json:"error"`
	Fields []FieldError `json:"fields,omitempty"`
}

// SafeError is an error whose message contains no sensitive information and
// can be sent straight back to the requester.
type SafeError struct {
	Err        error
	StatusCode int
	Fields     []FieldError
}

func (err *SafeError) Error() string {
	return err.Err.Error()
}

// NewRequestError wraps a provided error with an HTTP status code.
func NewRequestError(err error, statusCode int) error {
	return &SafeError{Err: err, StatusCode: statusCode}
}
