package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the pull-format snapshot handler described in spec §6.3.
// Wiring this into a concrete URL path is the HTTP surface's job (out of
// scope per spec §1); the core only owns what gets rendered.
func Handler() http.Handler {
	return promhttp.Handler()
}
