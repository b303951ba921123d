// Package transport describes failures surfaced by whatever client the
// application uses to reach its backend. The resilience layer never talks
// to a specific HTTP or RPC library; it classifies this structural shape.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Failure is the structural description of one failed request. Status is
// zero when no response was received (a pure transport failure).
type Failure struct {
	Status    int    // HTTP status of the response, if any
	Code      string // transport-level code, e.g. "ECONNREFUSED", "deadline_exceeded"
	Message   string
	Timeout   bool // the request was aborted by a timeout/deadline signal
	Operation string
	Err       error // underlying error, if any
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return f.Message
	}
	if f.Err != nil {
		return f.Err.Error()
	}
	return "request failed"
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// HasResponse reports whether a server response was received.
func (f *Failure) HasResponse() bool {
	return f.Status != 0
}

// FromHTTP builds a Failure from an HTTP round trip. Either resp or err may
// be nil. A non-nil response means the transport worked; the status code is
// carried for the detector to judge.
func FromHTTP(resp *http.Response, err error) *Failure {
	f := &Failure{Err: err}
	if resp != nil {
		f.Status = resp.StatusCode
		f.Message = resp.Status
	}
	if err != nil {
		f.Message = err.Error()
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			f.Timeout = true
		}
		if errors.Is(err, context.DeadlineExceeded) {
			f.Timeout = true
		}
		var ue *url.Error
		if errors.As(err, &ue) {
			f.Code = strings.ToUpper(ue.Op)
		}
	}
	return f
}

// FromGRPC builds a Failure from a gRPC call error, mapping status codes
// onto the same structural shape HTTP failures use.
func FromGRPC(err error) *Failure {
	if err == nil {
		return nil
	}
	f := &Failure{Err: err, Message: err.Error()}
	st, ok := status.FromError(err)
	if !ok {
		return f
	}
	f.Code = st.Code().String()
	f.Message = st.Message()
	switch st.Code() {
	case codes.DeadlineExceeded, codes.Canceled:
		f.Timeout = true
	case codes.Unavailable:
		// No usable response; leave Status zero so the detector treats it
		// as a connection failure.
	case codes.Internal, codes.Unknown, codes.DataLoss:
		f.Status = http.StatusInternalServerError
	case codes.ResourceExhausted:
		f.Status = http.StatusTooManyRequests
	case codes.Unauthenticated:
		f.Status = http.StatusUnauthorized
	case codes.PermissionDenied:
		f.Status = http.StatusForbidden
	case codes.NotFound:
		f.Status = http.StatusNotFound
	case codes.InvalidArgument:
		f.Status = http.StatusBadRequest
	}
	return f
}

// Describe builds a best-effort Failure from an arbitrary error. An
// existing *Failure passes through unchanged.
func Describe(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	out := &Failure{Err: err, Message: err.Error()}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		out.Timeout = true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		out.Timeout = true
	}
	return out
}
