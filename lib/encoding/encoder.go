package encoding

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Media types understood by the codec.
const (
	ContentTypeJSON       = "application/json"
	ContentTypeMsgpack    = "application/msgpack"
	ContentTypeVndMsgpack = "application/vnd.msgpack"
)

// Format identifies the wire format of an upstream body.
type Format int

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatMsgpack
)

// String returns the canonical media type for the format.
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return ContentTypeJSON
	case FormatMsgpack:
		return ContentTypeMsgpack
	default:
		return "unknown"
	}
}

var (
	ErrInvalidFormat          = errors.New("invalid body format")
	ErrUnsupportedContentType = errors.New("unsupported content type")
)

// FormatOf maps a Content-Type header value to a Format.
//
// An empty content type is treated as JSON, which is what most upstream
// services omit the header for. Any "+json" structured suffix is JSON too.
func FormatOf(contentType string) Format {
	if strings.TrimSpace(contentType) == "" {
		return FormatJSON
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FormatUnknown
	}
	switch {
	case mediaType == ContentTypeJSON, strings.HasSuffix(mediaType, "+json"):
		return FormatJSON
	case mediaType == ContentTypeMsgpack, mediaType == ContentTypeVndMsgpack, mediaType == "application/x-msgpack":
		return FormatMsgpack
	default:
		return FormatUnknown
	}
}

// ToJSON converts an upstream body into compact JSON suitable for embedding
// in an envelope.
//
// JSON bodies are validated and compacted without re-ordering keys, so the
// embedded value is the upstream payload verbatim. Msgpack bodies are decoded
// into generic values and re-encoded as JSON. A body under any other content
// type is accepted when it is valid JSON.
func ToJSON(contentType string, body []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null"), nil
	}
	switch FormatOf(contentType) {
	case FormatJSON:
		return compact(body)
	case FormatMsgpack:
		var v any
		if err := msgpack.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		return json.RawMessage(data), nil
	default:
		if json.Valid(body) {
			return compact(body)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
}

func compact(body []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Marshal encodes v in the given format.
func Marshal(f Format, v any) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(v)
	case FormatMsgpack:
		return msgpack.Marshal(v)
	default:
		return nil, ErrUnsupportedContentType
	}
}

// Negotiate picks the response format for an Accept header. Media types
// are ranked by their q parameter (default 1); on a tie the one listed first
// wins. Msgpack is only chosen when the client names it; anything else,
// including a header naming neither format, gets JSON.
func Negotiate(accept string) Format {
	best, bestQ := FormatJSON, -1.0
	for _, part := range strings.Split(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		f := FormatOf(mediaType)
		if f == FormatUnknown {
			continue
		}
		q := 1.0
		if raw, ok := params["q"]; ok {
			q, err = strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
		}
		if q > 0 && q > bestQ {
			best, bestQ = f, q
		}
	}
	return best
}
