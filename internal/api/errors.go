package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// Kind classifies a failed request.
type Kind int

const (
	// KindNetwork means no response was received.
	KindNetwork Kind = iota
	// KindServer is a 5xx response.
	KindServer
	// KindClient is a 4xx response.
	KindClient
	// KindRequest is a request that could not be built or decoded.
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	default:
		return "request"
	}
}

const networkMessage = "Network error: No response from server"

// Error is returned for every failed call to the collection service.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s error (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsQueueable reports whether a failed delivery should be kept for a later
// retry. Only failures where the service never answered qualify; rejected
// records would be rejected again.
func IsQueueable(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == KindNetwork
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// errorFromResponse turns a resty outcome into an *Error, or nil when the
// call succeeded.
func errorFromResponse(resp *resty.Response, err error) error {
	switch {
	case resp == nil && err != nil:
		return &Error{Kind: KindRequest, Message: err.Error(), Err: err}
	case resp.RawResponse == nil:
		return &Error{Kind: KindNetwork, Message: networkMessage, Err: err}
	case resp.IsSuccess() && err != nil:
		return &Error{Kind: KindRequest, Status: resp.StatusCode(), Message: err.Error(), Err: err}
	case resp.IsSuccess():
		return nil
	}

	status := resp.StatusCode()
	kind := KindRequest
	switch {
	case status >= 500 && status <= 599:
		kind = KindServer
	case status >= 400 && status <= 499:
		kind = KindClient
	}
	return &Error{Kind: kind, Status: status, Message: detail(resp.Body(), status)}
}

// detail extracts the service's error message. FastAPI style services put
// it in "detail", which may be a string or a list of validation errors.
func detail(body []byte, status int) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil && len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			return s
		}
		return string(payload.Detail)
	}
	return fmt.Sprintf("Request failed with status code %d (%s)", status, http.StatusText(status))
}
