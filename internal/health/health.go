// Package health exposes a readiness endpoint fed by the atomically-stored
// "last successful refresh" timestamps of Cartographer and Shield, making
// spec.md §7's "UpstreamUnavailable ... observable via degraded readiness"
// concrete. Routing follows bloXroute-Labs-relayproxy/server.go's use of
// go-chi/chi for its HTTP handler.
package health

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
)

// Source reports the age of a subsystem's last successful refresh. Both
// *cartographer.Cartographer and *shield.Shield are wrapped to satisfy
// this via MarkRefreshed/staleness tracking kept here rather than in each
// subsystem, to avoid every refresh loop importing net/http concerns.
type Source struct {
	name        string
	lastSuccess atomic.Int64 // unix nanos
	maxAge      time.Duration
}

// NewSource builds a tracked refresh source. maxAge is how long since the
// last successful refresh before this source is considered degraded.
func NewSource(name string, maxAge time.Duration) *Source {
	return &Source{name: name, maxAge: maxAge}
}

// MarkRefreshed records a successful refresh at time at. Callers
// pass in the time explicitly (rather than this package calling time.Now()
// internally everywhere) so refresh loops that already have a timestamp
// handy don't pay a second clock read.
func (s *Source) MarkRefreshed(at time.Time) {
	s.lastSuccess.Store(at.UnixNano())
}

func (s *Source) healthy(now time.Time) (bool, time.Duration) {
	last := s.lastSuccess.Load()
	if last == 0 {
		return false, 0
	}
	age := now.Sub(time.Unix(0, last))
	return age <= s.maxAge, age
}

// status is the JSON body served at /healthz.
type status struct {
	Healthy bool              `json:"healthy"`
	Sources map[string]string `json:"sources"`
}

// Handler builds an HTTP handler that reports 200 when every source is
// within its max refresh age, 503 otherwise.
func Handler(sources ...*Source) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		now := time.Now()
		body := status{Healthy: true, Sources: make(map[string]string, len(sources))}

		for _, s := range sources {
			ok, age := s.healthy(now)
			if !ok {
				body.Healthy = false
			}
			if age == 0 {
				body.Sources[s.name] = "never refreshed"
			} else {
				body.Sources[s.name] = age.Truncate(time.Millisecond).String() + " since last refresh"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if body.Healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	return r
}
