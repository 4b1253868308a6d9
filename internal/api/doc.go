// Package api is the daemon's local control surface: a small JSON-over-HTTP
// API used by the automoth CLI, plus a websocket stream of bus events.
//
// The server binds to loopback by default. A non-loopback address needs a
// bearer token unless allow_insecure is set.
package api
