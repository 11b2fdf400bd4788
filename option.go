package openpay

import (
	"net/http"
	"time"

	"github.com/paybot/openpay/contacts"
	"github.com/paybot/openpay/logger"
	"github.com/paybot/openpay/metrics"
)

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.rec = r
	}
}

func WithTimeout(t time.Duration) Option {
	return func(e *Engine) {
		e.timeout = t
	}
}

// WithHTTPClient replaces the engine's HTTP client, e.g. to route through a
// test server.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// WithContactStore replaces the default in-memory contact store, e.g. with
// the Postgres-backed one.
func WithContactStore(s contacts.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}
