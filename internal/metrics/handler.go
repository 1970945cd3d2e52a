package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns an http.Handler exposing this registry's collectors on
// /metrics via promhttp.Handler over a dedicated registerer. Mounting it
// behind an HTTP server is left to whoever embeds the client; this is
// offered purely as a convenience.
func (r *Registry) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	for _, c := range r.Collectors() {
		reg.MustRegister(c)
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
