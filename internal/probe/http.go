// Package probe holds the clients that perform the single check each job
// kind makes against a monitored system. Every failure to obtain an
// answer from the target is reported as models.ErrDomainCheck.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/pkg/clock"
)

// HTTPConfig configures the HTTP probe.
type HTTPConfig struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	UserAgent          string
	Breaker            BreakerConfig
}

// HTTPResult is the observed response of an endpoint.
type HTTPResult struct {
	StatusCode int
	// Status is "<code> <reason>", e.g. "503 Service Unavailable".
	Status string
}

// HTTPProbe checks endpoint status codes.
type HTTPProbe struct {
	client   *resty.Client
	timeout  time.Duration
	breakers *BreakerRegistry
}

// NewHTTPProbe creates an HTTP probe.
func NewHTTPProbe(cfg HTTPConfig, clk clock.Clock) *HTTPProbe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "moniwatch-probe"
	}
	client := resty.New().
		SetHeader("User-Agent", cfg.UserAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	if cfg.InsecureSkipVerify {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // opt-in for internal endpoints
	}
	return &HTTPProbe{
		client:   client,
		timeout:  cfg.Timeout,
		breakers: NewBreakerRegistry(cfg.Breaker, clk),
	}
}

// Check calls method on target and returns the response status. A timeout
// of zero uses the probe default.
func (p *HTTPProbe) Check(ctx context.Context, method, target string, timeout time.Duration) (*HTTPResult, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid url %q", models.ErrDomainCheck, target)
	}
	if method == "" {
		method = http.MethodGet
	}
	if timeout <= 0 {
		timeout = p.timeout
	}

	breaker := p.breakers.Get(u.Host)
	if !breaker.Allow() {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrDomainCheck, u.Host, ErrCircuitOpen)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.client.R().SetContext(ctx).Execute(strings.ToUpper(method), target)
	if err != nil {
		breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s timed out after %s", models.ErrDomainCheck, target, timeout)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrDomainCheck, err)
	}

	code := resp.StatusCode()
	if code >= 500 {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	return &HTTPResult{StatusCode: code, Status: statusLine(code)}, nil
}

// Breakers exposes the per-host breaker stats.
func (p *HTTPProbe) Breakers() map[string]BreakerStats {
	return p.breakers.Stats()
}

func statusLine(code int) string {
	if text := http.StatusText(code); text != "" {
		return fmt.Sprintf("%d %s", code, text)
	}
	return fmt.Sprintf("%d", code)
}
