// Package health serves the liveness and readiness probes.
package health

import "net/http"

// Healthz returns 200 "ok\n" unconditionally.
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// Check reports whether a dependency is ready, and why not.
type Check func() (ready bool, reason string)

// Readyz returns a handler that answers 200 "ready\n" once every check
// passes, and 503 with the first failing reason until then.
func Readyz(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		for _, check := range checks {
			if ok, reason := check(); !ok {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("not ready: " + reason + "\n"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready\n"))
	}
}
