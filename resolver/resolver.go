// Package resolver fetches public account metadata for payment pointers.
package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/paybot/openpay/logger"
	"github.com/paybot/openpay/metrics"
	"github.com/paybot/openpay/types"
	"github.com/paybot/openpay/utils"
)

// Resolver performs the single idempotent metadata read for an account
// identifier. It does not cache and does not retry; callers decide both.
type Resolver struct {
	client  *http.Client
	timeout time.Duration
	log     logger.Logger
	rec     metrics.Recorder
}

// NewResolver creates a resolver using the given HTTP client. A nil client
// gets a default one; the timeout bounds each resolution round trip.
func NewResolver(client *http.Client, timeout time.Duration, log logger.Logger, rec metrics.Recorder) *Resolver {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Resolver{client: client, timeout: timeout, log: log, rec: rec}
}

// Resolve fetches the metadata record for id. It fails closed: a network
// failure, non-success response, or a response missing required fields all
// yield a ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, id types.AccountIdentifier) (*types.AccountMetadata, error) {
	if !id.Valid() {
		return nil, types.NewValidationError("invalid payment pointer %q: must start with $", id)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	meta, err := r.fetch(ctx, id)
	r.rec.ObserveLatency("resolve", time.Since(start), map[string]string{"phase": string(types.PhaseResolving)})

	if err != nil {
		r.rec.IncCounter("resolve_failure", map[string]string{"phase": string(types.PhaseResolving)})
		r.log.Warn("account resolution failed", map[string]any{
			"account": id.String(),
			"error":   err.Error(),
		})
		return nil, types.NewResolutionError(id, err)
	}

	r.rec.IncCounter("resolve_success", map[string]string{"phase": string(types.PhaseResolving)})
	r.log.Debug("account resolved", map[string]any{
		"account":     id.String(),
		"asset_code":  meta.AssetCode,
		"asset_scale": meta.Scale(),
	})
	return meta, nil
}

func (r *Resolver) fetch(ctx context.Context, id types.AccountIdentifier) (*types.AccountMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, id.URL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var meta types.AccountMetadata
	if err := utils.DecodeAndValidate(body, &meta); err != nil {
		return nil, err
	}

	return &meta, nil
}
