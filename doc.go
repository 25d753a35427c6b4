// Package hxstream renders a page progressively over one streamed HTTP
// response.
//
// The server writes a static shell immediately, holds the connection open
// while it calls an upstream API, then streams the outcome as a trailer
// chunk. The page hydrates from that trailer instead of issuing its own
// request, so the data and the document arrive in a single round trip.
//
// # Chunks
//
// A response is written in stages, each flushed as its own chunk:
//
//	<!DOCTYPE html> ... <p>Streamed Chunk 1 END</p> <script src="/spa.js" ...>
//	<script id="initial-data" type="application/json">{"status":200,"data":[...],"error":null}</script>
//	<script>window['initial-data-ready']=true;dispatchEvent(new Event('initial-data-ready'))</script>
//	</body></html>
//
// The shell is flushed before the upstream call starts. The data node is
// always complete before its readiness signal is written.
//
// # Envelopes
//
// Every trailer carries an Envelope, whatever the upstream did:
//
//	{"status":200,"data":[...],"error":null}          2xx
//	{"status":500,"data":null,"error":"upstream error"} non-2xx
//	{"status":-1,"data":null,"error":"..."}             no response at all
//
// Upstream failures are never turned into HTTP errors: the document
// always completes with status 200, and the client decides how to show the
// failure.
//
// # Serving
//
//	client, _ := upstream.New("http://localhost:2345")
//	rs, _ := hxstream.NewResponder(client, hxstream.WithLogger(logger))
//	reg := hxstream.NewRegistry(rs)
//	reg.ProxyAPI("/api/", client.BaseURL())
//	http.ListenAndServe(":8080", reg.Handler())
//
// The registry serves the document at "/", the browser runtime at
// "/spa.js" and, with ProxyAPI, the upstream API under "/api/" so the
// shell's preload hint is same-origin.
//
// # Slots
//
// A Responder streams one trailer per Slot, in order. The default is a
// single slot fed by GET /api/colors. WithSlots adds more; each gets its own
// data node id and readiness event.
//
// # Clients
//
// Browsers run static/spa.js. Go programs use lib/hydrate, which parses the
// same stream and hydrates it with either the event-driven or the polling
// strategy. Both render each slot exactly once.
//
// # Testing
//
// TestStream captures a response split at flush boundaries:
//
//	result, _ := hxstream.TestStream(reg.Handler(), "/")
//	env, _ := result.Envelope("initial-data")
//	if !result.SignalFollowsData(hxstream.DefaultSlot) { ... }
package hxstream
