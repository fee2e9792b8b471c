package ews

import (
	"errors"
	"fmt"
)

// ErrMissingIDInResponse is returned when the server references an item
// without giving its id.
var ErrMissingIDInResponse = errors.New("item id missing from response")

// ProcessingError reports a server response that is internally inconsistent.
type ProcessingError struct {
	Message string
}

func (e *ProcessingError) Error() string {
	return "processing response: " + e.Message
}

// ResponseCodeServerBusy is returned by Exchange when the caller is throttled.
const ResponseCodeServerBusy = "ErrorServerBusy"

// ResponseError is a response message whose ResponseClass is Error.
type ResponseError struct {
	Code    string
	Message string
	// BackOffMilliseconds is set when Code is ResponseCodeServerBusy.
	BackOffMilliseconds int
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ews response %s", e.Code)
	}
	return fmt.Sprintf("ews response %s: %s", e.Code, e.Message)
}

// IsServerBusy reports whether err carries an ErrorServerBusy response.
func IsServerBusy(err error) (*ResponseError, bool) {
	var re *ResponseError
	if errors.As(err, &re) && re.Code == ResponseCodeServerBusy {
		return re, true
	}
	return nil, false
}
