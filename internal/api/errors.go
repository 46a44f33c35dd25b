// Package api provides the error type shared by every platform client.
//
// Each failing call is reported as a *StepError naming the workflow step, the
// endpoint, the HTTP status and the response body verbatim. The Kind field
// carries one of the sentinel errors below so callers can branch with
// errors.Is without parsing messages.
package api

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every StepError wraps exactly one of these.
var (
	ErrAuthentication      = errors.New("authentication failed")
	ErrConstraintQuery     = errors.New("release constraint query failed")
	ErrUploadSession       = errors.New("upload session creation failed")
	ErrChunkUpload         = errors.New("chunk upload failed")
	ErrVersionRegistration = errors.New("version registration failed")
	ErrValidation          = errors.New("version validation failed")
	ErrDraftCreation       = errors.New("draft release creation failed")
	ErrBazaar              = errors.New("bazaar release failed")
)

// maxBodyInMessage caps how much of a response body Error() renders. The full
// body is always kept in StepError.Body.
const maxBodyInMessage = 4096

// StepError describes one failed call of a publish workflow.
type StepError struct {
	Kind       error  // one of the Err* sentinels
	Step       string // workflow step, e.g. "sign-in", "upload-chunk"
	Method     string
	Endpoint   string // URL without query string
	StatusCode int    // 0 when no response was received
	Body       string // response body, verbatim
	Offset     int64  // upload offset for chunk failures, -1 otherwise
	Err        error  // underlying transport/decode error, if any
}

// Error renders step, endpoint, status and body.
func (e *StepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Step, e.Kind)
	if e.Method != "" || e.Endpoint != "" {
		fmt.Fprintf(&b, " (%s %s)", e.Method, e.Endpoint)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " at offset %d", e.Offset)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		body := e.Body
		if len(body) > maxBodyInMessage {
			body = body[:maxBodyInMessage] + "...(truncated)"
		}
		fmt.Fprintf(&b, ": %s", body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying error to errors.Is/As.
func (e *StepError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewStepError builds a StepError for a response that arrived with an
// unexpected status.
func NewStepError(kind error, step, method, endpoint string, status int, body []byte) *StepError {
	return &StepError{
		Kind:       kind,
		Step:       step,
		Method:     method,
		Endpoint:   endpoint,
		StatusCode: status,
		Body:       string(body),
		Offset:     -1,
	}
}

// WrapStepError builds a StepError for a call that failed before a usable
// response was available (transport error, decode error, bad local input).
func WrapStepError(kind error, step, method, endpoint string, err error) *StepError {
	return &StepError{
		Kind:     kind,
		Step:     step,
		Method:   method,
		Endpoint: endpoint,
		Offset:   -1,
		Err:      err,
	}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var se *StepError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// BodyOf returns the response body carried by err, or "".
func BodyOf(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Body
	}
	return ""
}

// StepOf returns the name of the step that failed, or "".
func StepOf(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

// IsSuccess reports whether status is in [200, 300).
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

// IsAuthRejected reports whether status means the server no longer accepts
// the session token.
func IsAuthRejected(status int) bool {
	return status == 401 || status == 403
}
