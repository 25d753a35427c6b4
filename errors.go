package hxstream

import (
	"errors"
	"fmt"

	"github.com/pthm/hxstream/lib/encoding"
	"github.com/pthm/hxstream/lib/upstream"
)

// Sentinel errors for streaming and hydration.
var (
	ErrUpstreamUnavailable = errors.New("hxstream: upstream unavailable")
	ErrUpstreamRejected    = errors.New("hxstream: upstream rejected request")
	ErrInvalidPayload      = errors.New("hxstream: invalid upstream payload")
	ErrClientTimeout       = errors.New("hxstream: timed out waiting for initial data")
	ErrMalformedEnvelope   = errors.New("hxstream: malformed envelope")
	ErrStreamClosed        = errors.New("hxstream: write after stream closed")
)

// IsUpstreamError reports whether err came from the upstream source, either
// as a transport failure or as a rejected (non-2xx) call.
func IsUpstreamError(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrUpstreamRejected) ||
		errors.Is(err, ErrInvalidPayload)
}

// IsTimeout reports whether err is a client-side hydration timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrClientTimeout)
}

// IsMalformed reports whether err is an envelope parse failure.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedEnvelope)
}

// wrapUpstreamError maps lib/upstream and lib/encoding errors onto the
// package sentinels, keeping the original message for the envelope.
func wrapUpstreamError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, upstream.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	if errors.Is(err, encoding.ErrInvalidFormat) || errors.Is(err, encoding.ErrUnsupportedContentType) {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return err
}
