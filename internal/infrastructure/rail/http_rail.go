package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/studycircle/studycircle-hub/internal/domain/ledger"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/pkg/circuitbreaker"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// HTTPRailConfig configures the HTTP rail client.
type HTTPRailConfig struct {
	// BaseURL of the rail service, without trailing slash.
	BaseURL string

	// APIKey is sent as a bearer token.
	APIKey string

	// Timeout bounds one transfer request.
	Timeout time.Duration

	// RateLimit paces requests. A zero RequestsPerSecond disables it.
	RateLimit RateLimiterConfig
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// DeclinedError is a definitive refusal by the rail (insufficient funds,
// unknown account). Nothing moved and the rail itself is healthy.
type DeclinedError struct {
	Status int
	Reason string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("rail declined transfer (%d): %s", e.Status, e.Reason)
}

// IsDeclined reports whether err is a DeclinedError.
func IsDeclined(err error) bool {
	var d *DeclinedError
	return errors.As(err, &d)
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

type transferRequest struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     uint64 `json:"amount"`
	Authorizer string `json:"authorizer"`
	Purpose    string `json:"purpose"`
	GroupID    uint64 `json:"group_id,omitempty"`
}

type transferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// HTTPRail posts transfers to an external rail service. A transfer is sent
// exactly once; a timeout is reported as a failure and never retried, since
// a retry could move funds twice.
type HTTPRail struct {
	config     HTTPRailConfig
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	limiter    *RateLimiter
	custodian  *ledger.Custodian
	log        *logger.Logger
}

var _ ledger.Rail = (*HTTPRail)(nil)

// NewHTTPRail creates the client.
func NewHTTPRail(config HTTPRailConfig, custodian *ledger.Custodian, log *logger.Logger) *HTTPRail {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(logger.Component("http_rail"))

	var limiter *RateLimiter
	if config.RateLimit.RequestsPerSecond > 0 {
		limiter = NewRateLimiter(config.RateLimit)
	}

	return &HTTPRail{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		breaker: circuitbreaker.TransferRail(
			// Declines and throttling say nothing about the rail's health.
			func(err error) bool { return !IsDeclined(err) && !IsRateLimited(err) },
			func(tr circuitbreaker.Transition) {
				log.Warn("circuit breaker state changed",
					logger.String("breaker", tr.Name),
					logger.String("from", tr.From.String()),
					logger.String("to", tr.To.String()),
				)
			},
		),
		custodian: custodian,
		log:       log,
	}
}

// Check reports the rail as unhealthy while its circuit breaker is open.
func (r *HTTPRail) Check(ctx context.Context) error {
	return r.breaker.Check(ctx)
}

// Transfer implements ledger.Rail.
func (r *HTTPRail) Transfer(ctx context.Context, t ledger.Transfer) error {
	req := transferRequest{
		ID:         uuid.NewString(),
		From:       t.From.String(),
		To:         t.To.String(),
		Amount:     t.Amount.Uint64(),
		Authorizer: t.Authorizer.String(),
		Purpose:    string(t.Purpose),
	}
	if t.Authority == nil && ledger.IsPoolAccount(t.From) {
		return fmt.Errorf("%w: %s needs a group authority", shared.ErrForbidden, t.From)
	}
	if t.Authority != nil {
		if r.custodian == nil {
			return fmt.Errorf("%w: rail has no custodian", shared.ErrForbidden)
		}
		if err := r.custodian.Verify(*t.Authority, t.Authority.GroupID); err != nil {
			return err
		}
		req.GroupID = t.Authority.GroupID
	}

	if err := r.limiter.Allow(ctx); err != nil {
		r.log.Warn("transfer throttled",
			logger.String("transfer_id", req.ID),
			logger.Time("hold_until", r.limiter.Status().HoldUntil),
			logger.Err(err),
		)
		return err
	}

	start := time.Now()
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.post(ctx, req)
	})

	fields := []logger.Field{
		logger.String("transfer_id", req.ID),
		logger.String("purpose", req.Purpose),
		logger.Amount("amount", req.Amount),
		logger.Latency(time.Since(start)),
	}
	if err != nil {
		r.log.Warn("transfer failed", append(fields, logger.Err(err))...)
		return err
	}
	r.log.Debug("transfer accepted", fields...)
	return nil
}

func (r *HTTPRail) post(ctx context.Context, body transferRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.BaseURL+"/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", body.ID)
	if r.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var out transferResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out.Status != "" && out.Status != "completed" {
			return &DeclinedError{Status: resp.StatusCode, Reason: out.Status}
		}
		return nil
	case resp.StatusCode == http.StatusPaymentRequired,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusNotFound:
		reason := out.Reason
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return &DeclinedError{Status: resp.StatusCode, Reason: reason}
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfter(resp.Header.Get("Retry-After"), r.config.RateLimit.DefaultRetryAfter)
		r.limiter.RecordRateLimitHit(wait)
		return &RateLimitError{RetryAfter: wait, Message: fmt.Sprintf("rail throttled the transfer, retry after %s", wait)}
	default:
		return fmt.Errorf("rail returned status %d", resp.StatusCode)
	}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(header string, fallback time.Duration) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
