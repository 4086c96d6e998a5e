// File: internal/transport/client.go
// Description: HTTP client for talking to peer sync servers. Wraps push,
// pull, and status calls with rate limiting and bounded exponential-backoff
// retries. Only transient failures (network errors, 5xx, 429) are retried;
// everything else is surfaced immediately.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taxokit/kwsync/api/schemas"
	"github.com/taxokit/kwsync/internal/config"
)

const (
	exportPath = "/api/v1/sync/export"
	importPath = "/api/v1/sync/import"
	statusPath = "/api/v1/sync/status"
)

// Client performs sync calls against one peer server.
type Client struct {
	http        *http.Client
	baseURL     string
	targetName  string
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxPayload  int64
	log         *zap.Logger
}

// NewClient builds a client for the given target using the sync retry and
// payload settings from configuration.
func NewClient(syncCfg config.SyncConfig, target config.TargetConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if syncCfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(syncCfg.RateLimitRPS), 1)
	}
	return &Client{
		http:        &http.Client{Timeout: syncCfg.TransportTimeout},
		baseURL:     target.URL,
		targetName:  target.Name,
		limiter:     limiter,
		maxAttempts: syncCfg.RetryMaxAttempts,
		baseDelay:   syncCfg.RetryBaseDelay,
		maxDelay:    syncCfg.RetryMaxDelay,
		maxPayload:  syncCfg.MaxPayloadBytes,
		log:         logger.With(zap.String("target", target.Name)),
	}
}

// Target returns the name of the peer this client talks to.
func (c *Client) Target() string { return c.targetName }

// remoteError is the {kind, message} body peer servers return on failure.
type remoteError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// PushSnapshot sends an encoded snapshot to the peer's import endpoint and
// returns the peer's reconciliation record.
func (c *Client) PushSnapshot(ctx context.Context, payload []byte) (*schemas.SyncRecord, error) {
	if c.maxPayload > 0 && int64(len(payload)) > c.maxPayload {
		return nil, &TransportError{
			Kind: SizeExceeded,
			Err:  fmt.Errorf("payload is %d bytes, limit is %d", len(payload), c.maxPayload),
		}
	}

	var record schemas.SyncRecord
	err := c.doWithRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+importPath, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		return c.execute(req, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FetchSnapshot pulls the peer's current snapshot from its export endpoint.
// The result has passed the wire checks only; callers must validate it.
func (c *Client) FetchSnapshot(ctx context.Context) (*schemas.Snapshot, error) {
	var body []byte
	err := c.doWithRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+exportPath, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		raw, execErr := c.executeRaw(req)
		if execErr != nil {
			return execErr
		}
		body = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Decode(body, c.maxPayload)
}

// FetchStatus reads the peer's sync status summary.
func (c *Client) FetchStatus(ctx context.Context) (*schemas.TargetStatus, error) {
	var status schemas.TargetStatus
	err := c.doWithRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statusPath, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		return c.execute(req, &status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// doWithRetry runs op under the rate limiter with exponential backoff.
// Permanent errors wrapped by op stop the loop immediately.
func (c *Client) doWithRetry(ctx context.Context, op func(context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.baseDelay
	expo.MaxInterval = c.maxDelay
	expo.MaxElapsedTime = 0

	attempts := uint64(1)
	if c.maxAttempts > 1 {
		attempts = uint64(c.maxAttempts)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, attempts-1), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		if err := op(ctx); err != nil {
			c.log.Debug("Sync call attempt failed.",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return nil
	}, policy)
	if err != nil {
		if _, ok := AsTransportError(err); ok {
			return err
		}
		return &TransportError{Kind: Unreachable, Err: err}
	}
	return nil
}

// execute performs the request and decodes a JSON body into out.
func (c *Client) execute(req *http.Request, out any) error {
	raw, err := c.executeRaw(req)
	if err != nil {
		return err
	}
	if err := wireJSON.Unmarshal(raw, out); err != nil {
		return backoff.Permanent(&TransportError{
			Kind: Malformed,
			Err:  fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err),
		})
	}
	return nil
}

// executeRaw performs the request and returns the response body. 5xx and 429
// responses are retryable; other non-2xx responses are permanent rejections.
func (c *Client) executeRaw(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	limit := c.maxPayload
	if limit <= 0 {
		limit = 32 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", req.URL.Path, err)
	}
	if int64(len(body)) > limit {
		return nil, backoff.Permanent(&TransportError{
			Kind: SizeExceeded,
			Err:  fmt.Errorf("response from %s exceeds %d bytes", req.URL.Path, limit),
		})
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s returned status %d", req.URL.Path, resp.StatusCode)
	default:
		var re remoteError
		_ = wireJSON.Unmarshal(body, &re)
		msg := re.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, backoff.Permanent(&TransportError{
			Kind: RemoteRejected,
			Err:  fmt.Errorf("%s rejected request with status %d: %s", req.URL.Path, resp.StatusCode, msg),
		})
	}
}
