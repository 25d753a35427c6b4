package hxstream

import (
	"errors"
	"net/http"

	"github.com/a-h/templ"
)

// Render writes a templ component to the HTTP response.
//
// Sets Content-Type to text/html and renders the component using the
// request's context. Use this for pages that are rendered in one piece;
// streamed documents go through a Responder instead.
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    hxstream.Render(w, r, myTemplate())
//	}
func Render(w http.ResponseWriter, r *http.Request, component templ.Component) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return component.Render(r.Context(), w)
}

// Flush pushes everything written so far to the client.
//
// Writers that cannot flush (some middleware wrappers, test doubles) are
// tolerated: the bytes still arrive, just not progressively.
func Flush(w http.ResponseWriter) error {
	err := http.NewResponseController(w).Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

// SetStreamingHeaders sets the headers of a progressively rendered HTML
// document. X-Accel-Buffering stops nginx from buffering the response,
// which would collapse the chunks back into one.
func SetStreamingHeaders(h http.Header) {
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Accel-Buffering", "no")
}

// IsStreamingRequest reports whether r is a request the streamed document
// should be produced for. HEAD requests get the headers only.
func IsStreamingRequest(r *http.Request) bool {
	return r.Method == http.MethodGet
}
