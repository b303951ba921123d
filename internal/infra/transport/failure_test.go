package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// ============================================================================
// HTTP
// ============================================================================

func TestFromHTTP_ResponseCarriesStatus(t *testing.T) {
	resp := &http.Response{StatusCode: 503, Status: "503 Service Unavailable"}
	f := FromHTTP(resp, nil)

	if f.Status != 503 {
		t.Errorf("Expected status 503, got %d", f.Status)
	}
	if !f.HasResponse() {
		t.Error("Expected HasResponse true with a response")
	}
	if f.Timeout {
		t.Error("Expected no timeout flag for a plain 503")
	}
}

func TestFromHTTP_TimeoutError(t *testing.T) {
	f := FromHTTP(nil, &url.Error{Op: "Get", URL: "http://api", Err: timeoutErr{}})

	if f.HasResponse() {
		t.Error("Expected no response for a transport failure")
	}
	if !f.Timeout {
		t.Error("Expected timeout flag from net.Error")
	}
	if f.Code != "GET" {
		t.Errorf("Expected code GET from url.Error op, got %s", f.Code)
	}
}

func TestFromHTTP_DeadlineExceeded(t *testing.T) {
	f := FromHTTP(nil, fmt.Errorf("request aborted: %w", context.DeadlineExceeded))
	if !f.Timeout {
		t.Error("Expected timeout flag for context.DeadlineExceeded")
	}
}

// ============================================================================
// gRPC
// ============================================================================

func TestFromGRPC_CodeMapping(t *testing.T) {
	cases := []struct {
		code    codes.Code
		status  int
		timeout bool
	}{
		{codes.Unavailable, 0, false},
		{codes.DeadlineExceeded, 0, true},
		{codes.Canceled, 0, true},
		{codes.Internal, http.StatusInternalServerError, false},
		{codes.ResourceExhausted, http.StatusTooManyRequests, false},
		{codes.Unauthenticated, http.StatusUnauthorized, false},
		{codes.PermissionDenied, http.StatusForbidden, false},
		{codes.NotFound, http.StatusNotFound, false},
		{codes.InvalidArgument, http.StatusBadRequest, false},
	}

	for _, tc := range cases {
		f := FromGRPC(status.Error(tc.code, "boom"))
		if f.Status != tc.status {
			t.Errorf("%s: expected status %d, got %d", tc.code, tc.status, f.Status)
		}
		if f.Timeout != tc.timeout {
			t.Errorf("%s: expected timeout %v, got %v", tc.code, tc.timeout, f.Timeout)
		}
		if f.Code != tc.code.String() {
			t.Errorf("%s: expected code string carried, got %s", tc.code, f.Code)
		}
		if f.Message != "boom" {
			t.Errorf("%s: expected status message, got %s", tc.code, f.Message)
		}
	}
}

func TestFromGRPC_NilAndPlainErrors(t *testing.T) {
	if FromGRPC(nil) != nil {
		t.Error("Expected nil failure for nil error")
	}

	plain := errors.New("not a grpc error")
	f := FromGRPC(plain)
	if f == nil {
		t.Fatal("Expected failure for plain error")
	}
	// A non-status error has no code to map; it stays a pure transport
	// failure with the original message.
	if f.HasResponse() {
		t.Errorf("Expected no status for non-grpc error, got %d", f.Status)
	}
	if f.Error() != "not a grpc error" {
		t.Errorf("Expected message passthrough, got %s", f.Error())
	}
}

// ============================================================================
// Describe
// ============================================================================

func TestDescribe_PassesThroughFailure(t *testing.T) {
	orig := &Failure{Status: 429, Message: "slow down"}
	f := Describe(fmt.Errorf("wrapped: %w", orig))
	if f != orig {
		t.Error("Expected an existing Failure to pass through unchanged")
	}
}

func TestDescribe_ArbitraryError(t *testing.T) {
	if Describe(nil) != nil {
		t.Error("Expected nil for nil error")
	}

	f := Describe(timeoutErr{})
	if !f.Timeout {
		t.Error("Expected timeout flag from net.Error")
	}
	if f.HasResponse() {
		t.Error("Expected no response status for arbitrary errors")
	}
	if f.Error() != "i/o timeout" {
		t.Errorf("Expected message passthrough, got %s", f.Error())
	}
}
