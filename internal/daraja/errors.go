package daraja

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTokenUnavailable  = errors.New("daraja: access token unavailable")
	ErrMalformedCallback = errors.New("daraja: malformed callback")
)

// errorCodeProcessing is returned by the status query while the push is still waiting on the handset.
const errorCodeProcessing = "500.001.1001"

// Error describes a failed Daraja call. Message carries the provider text when there is one.
type Error struct {
	Op      string
	Status  int
	Code    string
	Message string
	Raw     json.RawMessage
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("daraja ")
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Code != "" {
		b.WriteString(" [" + e.Code + "]")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// StillProcessing reports whether Daraja said the push has no final result yet.
func StillProcessing(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Code == errorCodeProcessing
}

func errorFromBody(op string, status int, body []byte) *Error {
	var eb struct {
		RequestID    string `json:"requestId"`
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`

		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
	}
	e := &Error{Op: op, Status: status, Raw: body}
	if err := json.Unmarshal(body, &eb); err != nil {
		e.Message = strings.TrimSpace(string(body))
		return e
	}
	switch {
	case eb.ErrorCode != "" || eb.ErrorMessage != "":
		e.Code, e.Message = eb.ErrorCode, eb.ErrorMessage
	case eb.ResponseDescription != "":
		e.Code, e.Message = eb.ResponseCode, eb.ResponseDescription
	default:
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}
