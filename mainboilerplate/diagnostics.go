// Package mainboilerplate contains shared boilerplate for this project's
// programs. The idea is to provide a selection of narrowly scoped methods so
// callers do not have to buy-in to an all-or-nothing approach.
package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/instbooks/stacks/metrics"
)

// InitDiagnostics registers this project's prometheus collectors and, if
// |addr| is non-empty, serves metrics and debugging endpoints from it.
func InitDiagnostics(addr string) {
	metrics.Register(prometheus.DefaultRegisterer)

	if addr == "" {
		return
	}
	// Package "net/http/pprof" serves /debug/pprof/.
	// Package "expvar" serves /debug/vars

	// Serve a liveness check at /debug/ready.
	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Serve Prometheus metrics at /debug/metrics.
	http.Handle("/debug/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.WithFields(log.Fields{"err": err, "addr": addr}).
				Warn("failed to serve diagnostics")
		}
	}()
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}
