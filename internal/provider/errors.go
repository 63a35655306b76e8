package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// TransportError is a transport fault. Mid reports whether the fault
// happened after at least one event was emitted; open faults are the
// retryable class, mid faults trigger stream recovery instead.
type TransportError struct {
	Transport TransportKind
	Mid       bool
	Status    int // HTTP status when applicable, 0 otherwise
	Err       error
}

func (e *TransportError) Error() string {
	phase := "open"
	if e.Mid {
		phase = "mid-stream"
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s %s fault (status %d): %v", e.Transport, phase, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s fault: %v", e.Transport, phase, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// openError wraps err as a pre-emission transport fault.
func openError(kind TransportKind, status int, err error) *TransportError {
	return &TransportError{Transport: kind, Status: status, Err: err}
}

// midError wraps err as a post-emission transport fault.
func midError(kind TransportKind, err error) *TransportError {
	return &TransportError{Transport: kind, Mid: true, Err: err}
}

// IsRetryableOpen reports whether an open fault should be retried:
// connection refused/reset, DNS failure, timeout, premature close,
// HTTP status >= 500, or a duplex handshake/idle failure. Cancellation
// is never retried.
func IsRetryableOpen(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		if te.Mid {
			return false
		}
		if te.Status >= 500 {
			return true
		}
		if te.Status != 0 {
			return false
		}
		err = te.Err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pat := range []string{
		"connection refused",
		"connection reset",
		"premature close",
		"unexpected eof",
		"handshake",
		"idle timeout",
		"broken pipe",
	} {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}

// IsMid reports whether err is a mid-stream transport fault.
func IsMid(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Mid
}
