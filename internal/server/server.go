package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type APIServer struct {
	mux *http.ServeMux
}

// NewAPIServer builds the control API of the daemon. Metrics are served from gatherer.
func NewAPIServer(
	engine Engine,
	background Background,
	gatherer prometheus.Gatherer,
) *APIServer {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	bundles := NewBundleHandler(engine)
	mux.Handle("/bundles", bundles)
	mux.Handle("/bundles/", bundles)
	mux.Handle("/sync", bundles)
	mux.Handle("/app-ready", bundles)
	mux.Handle("/reset", bundles)
	scheduled := NewBackgroundHandler(background)
	mux.Handle("/background", scheduled)
	mux.Handle("/background/", scheduled)

	return &APIServer{
		mux: mux,
	}
}

func (s *APIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
