// Package tokenbroker implements the ESRI bearer-token broker (C2): a
// single shared token, refreshed on demand, reused for up to MaxUses
// requests or Lifetime, whichever comes first.
package tokenbroker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/config"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/errs"
)

// Requester is the subset of httpclient.Client the broker needs, named
// narrowly so tests can supply a fake.
type Requester interface {
	ServiceRequest(ctx context.Context, method, target string, form url.Values) (map[string]any, error)
}

const (
	// DefaultMaxUses mirrors crud.py's token_use = 10 pacing.
	DefaultMaxUses = 10
	// DefaultLifetime mirrors esri_rest_api.py's expiration_in_minutes=15,
	// with a safety margin subtracted so Token never hands out a token the
	// remote is about to expire mid-request.
	DefaultLifetime = 13 * time.Minute
)

// Config configures a Broker.
type Config struct {
	Requester Requester
	Clock     clockwork.Clock
	Auth      config.Auth
	MaxUses   int
	Lifetime  time.Duration
	Logger    *slog.Logger
}

// Broker hands out the current ESRI token, refreshing it when it has been
// used MaxUses times or has outlived Lifetime. A single Broker is intended
// to be shared by every caller within one pipeline run.
type Broker struct {
	cfg   Config
	clock clockwork.Clock
	log   *slog.Logger

	mu        sync.Mutex
	token     string
	remaining int
	expiresAt time.Time
}

// New constructs a Broker. The first call to Token triggers the initial
// fetch; no request is made at construction time.
func New(cfg Config) (*Broker, error) {
	if cfg.Requester == nil {
		return nil, fmt.Errorf("tokenbroker: requester is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("tokenbroker: logger is required")
	}
	if err := cfg.Auth.Validate(); err != nil {
		return nil, fmt.Errorf("tokenbroker: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = DefaultMaxUses
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	return &Broker{cfg: cfg, clock: cfg.Clock, log: cfg.Logger}, nil
}

// token is a redacted wrapper so the bearer value never reaches a log line
// via %v/%s or slog's default formatting.
type token string

func (token) String() string      { return "[REDACTED]" }
func (token) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// Token returns the current token, refreshing it first if it has expired
// or exhausted its use budget.
func (b *Broker) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && b.remaining > 0 && b.clock.Now().Before(b.expiresAt) {
		b.remaining--
		return b.token, nil
	}
	return b.refreshLocked(ctx)
}

// ForceRefresh fetches a new token unconditionally, for use after an
// AuthExpired response mid-batch.
func (b *Broker) ForceRefresh(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshLocked(ctx)
}

func (b *Broker) refreshLocked(ctx context.Context) (string, error) {
	b.log.Info("refreshing esri token")

	form := url.Values{}
	form.Set("f", "json")
	form.Set("referer", b.cfg.Auth.Referer)
	form.Set("expiration", "15")
	form.Set("username", b.cfg.Auth.Username)
	form.Set("password", b.cfg.Auth.Password)

	resp, err := b.cfg.Requester.ServiceRequest(ctx, "POST", b.cfg.Auth.AuthURL, form)
	if err != nil {
		return "", fmt.Errorf("tokenbroker: refresh failed: %w", err)
	}

	tok, ok := resp["token"].(string)
	if !ok || tok == "" {
		return "", &errs.DataIntegrity{Op: "tokenbroker.refresh", Err: fmt.Errorf("response missing token field")}
	}

	b.token = tok
	// The caller receiving this fresh token is its first use.
	b.remaining = b.cfg.MaxUses - 1
	b.expiresAt = b.clock.Now().Add(b.cfg.Lifetime)
	b.log.Info("esri token refreshed", "max_uses", b.cfg.MaxUses, "lifetime", b.cfg.Lifetime)
	return tok, nil
}
