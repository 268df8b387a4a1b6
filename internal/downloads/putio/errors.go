package putio

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/putdotio/go-putio"
)

// NetworkError is a failed call to the Put.io API or to a file URL it handed out.
type NetworkError struct {
	Operation  string
	StatusCode int
	APIMessage string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError is a 401 or 403 from Put.io.
type AuthenticationError struct {
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// classify maps an API error to one of the typed errors above.
func classify(op string, err error) error {
	var apiErr *putio.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		switch apiErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthenticationError{Operation: op, Err: err}
		}

		return &NetworkError{
			Operation:  op,
			StatusCode: apiErr.Response.StatusCode,
			APIMessage: apiErr.Message,
			Err:        err,
		}
	}

	return &NetworkError{Operation: op, APIMessage: err.Error(), Err: err}
}
