package hxstream

import (
	"embed"
	"net/http"
	"strconv"
)

//go:embed static/spa.js
var staticFiles embed.FS

// RuntimeScript returns the browser hydration runtime served at /spa.js.
func RuntimeScript() []byte {
	b, err := staticFiles.ReadFile("static/spa.js")
	if err != nil {
		// The file is embedded at build time; a miss means a broken build.
		panic("hxstream: runtime script not embedded: " + err.Error())
	}
	return b
}

// RuntimeScriptHandler serves RuntimeScript verbatim.
func RuntimeScriptHandler() http.Handler {
	script := RuntimeScript()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(script)))
		w.Header().Set("Cache-Control", "no-cache")
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(script)
	})
}
