package hxstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// StatusUnknown is the envelope status when the upstream call produced no
// HTTP status at all (connection refused, timeout, reset).
const StatusUnknown = -1

// UpstreamErrorMessage is the error text embedded for any non-2xx upstream
// status. The status itself is preserved alongside it for diagnostics.
const UpstreamErrorMessage = "upstream error"

// Envelope is the structured result carried by a trailer chunk.
//
// Exactly one of Data and Error is meaningful: a successful envelope has a
// 2xx Status and a nil Error; a failed one has a nil Data and a non-nil
// Error. Status is authoritative for classification.
//
// The JSON form always carries all three keys:
//
//	{"status":200,"data":[...],"error":null}
//	{"status":-1,"data":null,"error":"dial tcp ...: connection refused"}
type Envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *string         `json:"error"`
}

// Success builds the envelope for a 2xx upstream reply.
func Success(status int, data json.RawMessage) Envelope {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return Envelope{Status: status, Data: data}
}

// Failure builds the envelope for a failed upstream call. Use StatusUnknown
// when no HTTP status was received.
func Failure(status int, message string) Envelope {
	return Envelope{Status: status, Error: &message}
}

// OK reports whether the envelope represents a successful upstream call.
func (e Envelope) OK() bool {
	return e.Error == nil && e.Status >= http.StatusOK && e.Status < http.StatusMultipleChoices
}

// Message returns the embedded error text, or "" for a successful envelope.
func (e Envelope) Message() string {
	if e.Error == nil {
		return ""
	}
	return *e.Error
}

// IsEmpty reports whether a successful envelope carries no data: null, an
// empty array or an empty object.
func (e Envelope) IsEmpty() bool {
	trimmed := bytes.TrimSpace(e.Data)
	switch string(trimmed) {
	case "", "null", "[]", "{}":
		return true
	}
	return false
}

// Err converts a failed envelope into an error wrapping the matching
// sentinel. It returns nil for successful envelopes.
func (e Envelope) Err() error {
	if e.OK() {
		return nil
	}
	switch {
	case e.Status == StatusUnknown:
		return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, e.Message())
	case e.Status >= http.StatusOK && e.Status < http.StatusMultipleChoices:
		return fmt.Errorf("%w: %s", ErrInvalidPayload, e.Message())
	default:
		return fmt.Errorf("%w: status %d: %s", ErrUpstreamRejected, e.Status, e.Message())
	}
}

// envelopeWire mirrors Envelope with pointer fields so a missing key can be
// told apart from a zero value.
type envelopeWire struct {
	Status *int            `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *string         `json:"error"`
}

// ParseEnvelope decodes the text content of a data node. Any failure wraps
// ErrMalformedEnvelope.
func ParseEnvelope(text string) (Envelope, error) {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty data node", ErrMalformedEnvelope)
	}

	var wire envelopeWire
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("%w: trailing data after envelope", ErrMalformedEnvelope)
	}
	if wire.Status == nil {
		return Envelope{}, fmt.Errorf("%w: missing status", ErrMalformedEnvelope)
	}

	env := Envelope{Status: *wire.Status, Data: wire.Data, Error: wire.Error}
	if string(bytes.TrimSpace(env.Data)) == "null" {
		env.Data = nil
	}
	if env.Error == nil && !env.OK() {
		return Envelope{}, fmt.Errorf("%w: status %d without error", ErrMalformedEnvelope, env.Status)
	}
	return env, nil
}
