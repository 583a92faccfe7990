package llmclient

import (
	"errors"
	"net"

	"github.com/example/articlescreen/internal/apperrors"
)

type errKind int

const (
	kindTransport errKind = iota
	kindTimeout
)

// classify reports whether err is retryable, and if so which backoff
// schedule applies (spec.md §4.2: transport errors back off at
// attempt×10s, timeouts at attempt×1s).
func classify(err error) (errKind, bool) {
	var transient *apperrors.TransientError
	if errors.As(err, &transient) {
		if isTimeoutErr(transient.Err) {
			return kindTimeout, true
		}
		return kindTransport, true
	}
	return kindTransport, false
}

func newTransportError(err error, statusCode int) error {
	return apperrors.NewTransientError(err, statusCode)
}

func newTimeoutError(err error) error {
	return apperrors.NewTransientError(err, 0)
}

func isTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
