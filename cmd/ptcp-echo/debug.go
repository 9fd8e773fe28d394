package main

import (
	"net/http"

	"github.com/tinyrange/ptcp/internal/ptcp"
)

// serveDebugHTTP exposes the multiplexer's status snapshot as JSON,
// mirroring the teacher's EnableDebugHTTP convention of one status
// endpoint per listener.
func serveDebugHTTP(addr string, mux *ptcp.Multiplexer) error {
	return http.ListenAndServe(addr, mux)
}
