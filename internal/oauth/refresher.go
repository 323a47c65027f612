// Package oauth keeps the integration's access token valid.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/blogkit/sitekit/internal/core"
	"github.com/blogkit/sitekit/internal/logging"
	"github.com/blogkit/sitekit/internal/metrics"
)

const (
	// DefaultSafetyMargin is how long a token must outlive now to be reused
	DefaultSafetyMargin = 60 * time.Second

	// DefaultRequestTimeout bounds each call to the token endpoint
	DefaultRequestTimeout = 15 * time.Second

	// defaultExpiresIn applies when the token endpoint omits expires_in
	defaultExpiresIn = 3600 * time.Second

	refreshKey = "oauth-refresh"
)

// Store is the part of the credential store the refresher needs
type Store interface {
	Get(ctx context.Context) (*core.IntegrationConfig, error)
	SaveTokens(ctx context.Context, expectedVersion int64, upd core.TokenUpdate) (*core.IntegrationConfig, error)
	MarkError(ctx context.Context, message string) error
}

// Locker serializes refreshes across processes
type Locker interface {
	Lock(ctx context.Context, name string) (unlock func(), err error)
}

// Config holds refresher settings
type Config struct {
	TokenURL       string        // Defaults to Google's token endpoint
	SafetyMargin   time.Duration // Defaults to DefaultSafetyMargin
	RequestTimeout time.Duration // Defaults to DefaultRequestTimeout
	HTTPClient     *http.Client  // Client for token endpoint calls
	Locker         Locker        // Optional cross-process lock
}

// Refresher returns usable access tokens, refreshing them when needed.
// Concurrent refreshes in one process share a single upstream call.
type Refresher struct {
	store  Store
	cfg    Config
	group  singleflight.Group
	tracer trace.Tracer
	now    func() time.Time
}

// NewRefresher creates a token refresher
func NewRefresher(store Store, cfg Config) *Refresher {
	if cfg.TokenURL == "" {
		cfg.TokenURL = google.Endpoint.TokenURL
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Refresher{
		store:  store,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/blogkit/sitekit/internal/oauth"),
		now:    time.Now,
	}
}

// SetClock overrides the time source (for testing)
func (r *Refresher) SetClock(now func() time.Time) {
	r.now = now
}

// SafetyMargin returns the configured reuse margin
func (r *Refresher) SafetyMargin() time.Duration {
	return r.cfg.SafetyMargin
}

// EnsureValidToken returns an access token valid for at least the safety margin.
// A stored token that qualifies is returned without any network call.
func (r *Refresher) EnsureValidToken(ctx context.Context) (string, error) {
	cfg, err := r.load(ctx)
	if err != nil {
		return "", err
	}

	if cfg.TokenUsable(r.now(), r.cfg.SafetyMargin) {
		metrics.TokenReuse.Inc()
		return *cfg.AccessToken, nil
	}

	return r.refresh(ctx, "")
}

// ForceRefresh replaces a token a provider rejected.
// If another caller already replaced it, the newer token is returned without a refresh.
func (r *Refresher) ForceRefresh(ctx context.Context, rejected string) (string, error) {
	return r.refresh(ctx, rejected)
}

// MarkUnauthorized records that a freshly refreshed token was still rejected
func (r *Refresher) MarkUnauthorized(ctx context.Context, details string) error {
	return r.store.MarkError(ctx, details)
}

func (r *Refresher) load(ctx context.Context) (*core.IntegrationConfig, error) {
	cfg, err := r.store.Get(ctx)
	if errors.Is(err, core.ErrNotConfigured) {
		return nil, &core.RefreshError{Reason: "not connected", Err: err}
	}
	if err != nil {
		return nil, &core.RefreshError{Reason: "load integration", Err: err}
	}
	if cfg.RefreshToken == nil || *cfg.RefreshToken == "" {
		return nil, &core.RefreshError{Reason: "not connected"}
	}
	return cfg, nil
}

func (r *Refresher) refresh(ctx context.Context, rejected string) (string, error) {
	// The shared call must not die with whichever caller started it
	shared := context.WithoutCancel(ctx)

	ch := r.group.DoChan(refreshKey+":"+rejected, func() (interface{}, error) {
		return r.doRefresh(shared, rejected)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", &core.RefreshError{Reason: "cancelled", Err: ctx.Err()}
	}
}

func (r *Refresher) doRefresh(ctx context.Context, rejected string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "oauth.refresh",
		trace.WithAttributes(attribute.Bool("oauth.forced", rejected != "")))
	defer span.End()

	token, err := r.lockedRefresh(ctx, rejected)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return token, nil
}

func (r *Refresher) lockedRefresh(ctx context.Context, rejected string) (string, error) {
	if r.cfg.Locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout+5*time.Second)
		unlock, err := r.cfg.Locker.Lock(lockCtx, refreshKey)
		cancel()
		switch {
		case err == nil:
			defer unlock()
		case errors.Is(err, core.ErrLockTimeout) || ctx.Err() != nil:
			return "", &core.RefreshError{Reason: "acquire refresh lock", Err: err}
		default:
			// The version check in SaveTokens still keeps concurrent refreshes consistent
			logging.WithError(err).Warn("refresh lock unavailable, refreshing without it")
		}
	}

	// Re-read: another process may have refreshed while we waited
	cfg, err := r.load(ctx)
	if err != nil {
		return "", err
	}
	if r.adoptable(cfg, rejected) {
		return *cfg.AccessToken, nil
	}

	log := logging.WithField("component", "oauth")
	tok, err := r.exchange(ctx, cfg)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		details := describe(err)
		log.WithField("error", details).Warn("token refresh failed")
		if merr := r.store.MarkError(ctx, details); merr != nil {
			log.WithError(merr).Error("failed to record refresh error")
		}
		return "", &core.RefreshError{Reason: details, Err: err}
	}
	metrics.TokenRefreshes.WithLabelValues("success").Inc()

	now := r.now()
	upd := core.TokenUpdate{
		AccessToken: tok.AccessToken,
		ExpiresAt:   expiryOf(tok, now),
		RefreshedAt: now,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != *cfg.RefreshToken {
		upd.RefreshToken = tok.RefreshToken
	}

	saved, err := r.store.SaveTokens(ctx, cfg.Version, upd)
	if errors.Is(err, core.ErrVersionConflict) {
		latest, gerr := r.load(ctx)
		if gerr != nil {
			return "", gerr
		}
		if r.adoptable(latest, rejected) {
			log.Debug("adopted token persisted by a concurrent refresh")
			return *latest.AccessToken, nil
		}
		saved, err = r.store.SaveTokens(ctx, latest.Version, upd)
	}
	if err != nil {
		log.WithError(err).Error("failed to persist refreshed token")
		return "", &core.RefreshError{Reason: "persist refreshed token", Err: err}
	}

	log.WithField("expires_at", saved.AccessTokenExpiresAt).Info("access token refreshed")
	return *saved.AccessToken, nil
}

// adoptable reports whether the stored token can be returned instead of refreshing
func (r *Refresher) adoptable(cfg *core.IntegrationConfig, rejected string) bool {
	if !cfg.TokenUsable(r.now(), r.cfg.SafetyMargin) {
		return false
	}
	return rejected == "" || *cfg.AccessToken != rejected
}

func (r *Refresher) exchange(ctx context.Context, cfg *core.IntegrationConfig) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  r.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.cfg.HTTPClient)

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: *cfg.RefreshToken}).Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	return tok, nil
}

func expiryOf(tok *oauth2.Token, now time.Time) time.Time {
	if tok.ExpiresIn > 0 {
		return now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	return now.Add(defaultExpiresIn)
}

// describe turns a token endpoint failure into the message stored as last error
func describe(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			if re.ErrorDescription != "" {
				return re.ErrorCode + ": " + re.ErrorDescription
			}
			return re.ErrorCode
		}
		if re.Response != nil {
			return fmt.Sprintf("token endpoint returned %s", re.Response.Status)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "token endpoint timed out"
	}
	return err.Error()
}
