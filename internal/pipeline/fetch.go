package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"missiond/internal/checkpoint"
	"missiond/internal/resilience"
	logx "missiond/pkg/logx"
)

// maxFetchBody caps response reads so a misbehaving upstream cannot exhaust
// memory.
const maxFetchBody = 64 << 20

// Fetch performs a guarded GET against {source.base_url}/{endpoint}. The
// order matters: the circuit breaker is consulted first (an open circuit
// must not consume rate-limit quota), then the rate limiter, then the call.
// Response headers always feed back into the limiter; breaker bookkeeping
// counts transport errors and 5xx as failures, 2xx as success.
//
// When an incremental-sync baseline exists for this (source, endpoint), it is
// passed as an updated_since query parameter.
func (f *Flow) Fetch(ctx context.Context, source, endpoint string) ([]byte, error) {
	r := f.runner
	r.mu.RLock()
	src, ok := r.sources[source]
	client := r.clients[source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source %q", source)
	}

	key := resilience.Key{Source: source, Endpoint: endpoint}
	if err := r.res.Breaker.EnsureCanProceed(key); err != nil {
		return nil, err
	}
	if err := r.res.Limiter.Acquire(ctx, key); err != nil {
		return nil, err
	}

	u, err := fetchURL(src.BaseURL, endpoint)
	if err != nil {
		return nil, err
	}
	if cp, ok, err := r.store.SyncCheckpoint(ctx, checkpoint.SyncKey(source, endpoint)); err == nil && ok {
		q := u.Query()
		q.Set("updated_since", cp.LastSync.UTC().Format(time.RFC3339))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		r.res.Breaker.RecordFailure(key)
		r.log.Warn("fetch transport failure",
			logx.String("source", source), logx.String("endpoint", endpoint), logx.Err(err))
		return nil, fmt.Errorf("fetch %s/%s: %w", source, endpoint, err)
	}
	defer resp.Body.Close()

	r.res.Limiter.HandleResponse(key, resp)

	switch {
	case resp.StatusCode >= 500:
		r.res.Breaker.RecordFailure(key)
		return nil, fmt.Errorf("fetch %s/%s: upstream returned %s", source, endpoint, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests:
		// Quota exhaustion is the limiter's business, not a breaker failure.
		return nil, fmt.Errorf("fetch %s/%s: %w", source, endpoint, resilience.ErrRateLimited)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("fetch %s/%s: upstream returned %s", source, endpoint, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		r.res.Breaker.RecordFailure(key)
		return nil, fmt.Errorf("fetch %s/%s: read body: %w", source, endpoint, err)
	}
	r.res.Breaker.RecordSuccess(key)
	return body, nil
}

// CommitSync advances the incremental-sync baseline for (source, endpoint).
// Call only after the fetched items are durably processed: the baseline must
// never run ahead of the data.
func (f *Flow) CommitSync(ctx context.Context, source, endpoint string, items int) error {
	key := checkpoint.SyncKey(source, endpoint)
	cp, _, err := f.runner.store.SyncCheckpoint(ctx, key)
	if err != nil {
		return err
	}
	cp.LastSync = f.runner.now().UTC()
	cp.ItemsSynced += items
	return f.runner.store.PutSyncCheckpoint(ctx, key, cp)
}

// SyncBaseline exposes the current baseline to action bodies.
func (f *Flow) SyncBaseline(ctx context.Context, source, endpoint string) (checkpoint.SyncCheckpoint, bool, error) {
	return f.runner.store.SyncCheckpoint(ctx, checkpoint.SyncKey(source, endpoint))
}

func fetchURL(base, endpoint string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("bad fetch url: %w", err)
	}
	return u, nil
}
