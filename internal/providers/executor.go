package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/blogkit/sitekit/internal/core"
	"github.com/blogkit/sitekit/internal/logging"
	"github.com/blogkit/sitekit/internal/metrics"
)

// maxAttempts allows one retry after a forced refresh
const maxAttempts = 2

// DefaultTimeout bounds one provider call
const DefaultTimeout = 15 * time.Second

// ConfigSource reads the integration
type ConfigSource interface {
	Get(ctx context.Context) (*core.IntegrationConfig, error)
}

// TokenSource is implemented by oauth.Refresher
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, rejected string) (string, error)
	MarkUnauthorized(ctx context.Context, details string) error
}

// ExecutorConfig holds executor settings
type ExecutorConfig struct {
	Timeout   time.Duration     // Per-call timeout, defaults to DefaultTimeout
	Transport http.RoundTripper // Base transport, defaults to http.DefaultTransport
}

// Executor runs adapters with a valid bearer token, retrying once on 401
type Executor struct {
	config ConfigSource
	tokens TokenSource
	cfg    ExecutorConfig
	tracer trace.Tracer
}

// NewExecutor creates an executor
func NewExecutor(config ConfigSource, tokens TokenSource, cfg ExecutorConfig) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	return &Executor{
		config: config,
		tokens: tokens,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/blogkit/sitekit/internal/providers"),
	}
}

// FetchReport invokes the adapter and returns its normalized payload.
// Failures are *core.AdapterError except core.ErrNotConfigured.
func (e *Executor) FetchReport(ctx context.Context, a Adapter, params core.ReportParams) (json.RawMessage, error) {
	p := a.Provider()
	log := logging.WithField("provider", string(p))

	cfg, err := e.config.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.EnabledServices.Enabled(p) {
		return nil, &core.AdapterError{Provider: p, Kind: core.AdapterDisabled, Details: "service is not enabled"}
	}
	if cfg.SiteID(p) == "" {
		return nil, &core.AdapterError{Provider: p, Kind: core.AdapterDisabled, Details: "no site configured"}
	}

	token, err := e.tokens.EnsureValidToken(ctx)
	if err != nil {
		return nil, &core.AdapterError{Provider: p, Kind: core.AdapterUnauthenticated, Details: err.Error(), Err: err}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		payload, err := e.call(ctx, a, cfg, token, params, attempt)
		if err == nil {
			return payload, nil
		}

		if !isUnauthorized(err) {
			log.WithError(err).Warn("provider request failed")
			return nil, &core.AdapterError{Provider: p, Kind: core.AdapterProviderFailure, Details: describeAPIError(err), Err: err}
		}

		if attempt == maxAttempts {
			details := fmt.Sprintf("%s rejected a freshly refreshed token: %s", p, describeAPIError(err))
			log.Warn("provider rejected refreshed token")
			if merr := e.tokens.MarkUnauthorized(ctx, details); merr != nil {
				log.WithError(merr).Error("failed to record unauthorized status")
			}
			return nil, &core.AdapterError{Provider: p, Kind: core.AdapterUnauthorized, Details: details, Err: err}
		}

		log.Debug("provider returned 401, forcing token refresh")
		token, err = e.tokens.ForceRefresh(ctx, token)
		if err != nil {
			return nil, &core.AdapterError{Provider: p, Kind: core.AdapterUnauthenticated, Details: err.Error(), Err: err}
		}
	}

	// unreachable: the final attempt always returns
	return nil, &core.AdapterError{Provider: p, Kind: core.AdapterProviderFailure, Details: "retry budget exhausted"}
}

func (e *Executor) call(ctx context.Context, a Adapter, cfg *core.IntegrationConfig, token string, params core.ReportParams, attempt int) (json.RawMessage, error) {
	p := string(a.Provider())
	ctx, span := e.tracer.Start(ctx, "provider.fetch", trace.WithAttributes(
		attribute.String("provider", p),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	client := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   e.cfg.Transport,
		},
		Timeout: e.cfg.Timeout,
	}

	start := time.Now()
	payload, err := a.Fetch(ctx, client, cfg, params)
	metrics.ProviderLatency.WithLabelValues(p).Observe(time.Since(start).Seconds())

	if err != nil {
		result := "error"
		if isUnauthorized(err) {
			result = "unauthorized"
		}
		metrics.ProviderRequests.WithLabelValues(p, result).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		return nil, err
	}

	metrics.ProviderRequests.WithLabelValues(p, "success").Inc()
	return payload, nil
}

func isUnauthorized(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized
}

func describeAPIError(err error) string {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Message != "" {
			return fmt.Sprintf("%d %s", gerr.Code, gerr.Message)
		}
		return fmt.Sprintf("%d %s", gerr.Code, http.StatusText(gerr.Code))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return err.Error()
}
