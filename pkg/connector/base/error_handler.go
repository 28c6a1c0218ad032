package base

import (
	"context"
	stderrors "errors"
	"net"
	"strings"

	"github.com/ajitpratap0/atlas/pkg/errors"
)

// Non-retryable driver messages, checked before the retryable ones.
var nonRetryable = []string{
	"invalid credentials",
	"unauthorized",
	"forbidden",
	"access denied",
	"authentication failed",
	"password authentication",
	"permission denied",
	"not found",
	"no such host",
	"bad request",
	"invalid configuration",
	"unsupported",
}

var retryable = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"throttl",
	"i/o error",
	"eof",
}

// ShouldRetry determines whether a connection attempt is worth repeating.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if errors.IsType(err, errors.ErrorTypeConfig) || errors.IsType(err, errors.ErrorTypeValidation) {
		return false
	}
	if errors.IsRetryable(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range nonRetryable {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}
	for _, pattern := range retryable {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	var netErr net.Error
	return stderrors.As(err, &netErr)
}

// ClassifyError wraps a driver or client error into the engine taxonomy:
// deadlines become timeout errors, cancellation stays cancelled, everything
// else is a connection error. Errors already typed are returned as-is.
func ClassifyError(err error, message string) error {
	if err == nil {
		return nil
	}
	var typed *errors.Error
	if errors.As(err, &typed) {
		return err
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.ErrorTypeTimeout, message)
	case stderrors.Is(err, context.Canceled):
		return errors.Wrap(err, errors.ErrorTypeCancelled, message)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(err, errors.ErrorTypeTimeout, message)
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, message)
}
