package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/zgpcy/azure-webapp-exporter/internal/clock"
	"github.com/zgpcy/azure-webapp-exporter/internal/config"
	"github.com/zgpcy/azure-webapp-exporter/internal/failure"
	"github.com/zgpcy/azure-webapp-exporter/internal/logger"
)

// DefaultExchangeTimeout bounds one token exchange
const DefaultExchangeTimeout = 30 * time.Second

// Cache holds one token per identity and refreshes it on demand.
// Concurrent callers needing a refresh for the same identity share one exchange.
type Cache struct {
	exchanger Exchanger
	margin    time.Duration
	timeout   time.Duration
	clock     clock.Clock
	logger    *logger.Logger

	mu     sync.RWMutex
	tokens map[string]cachedToken
	group  singleflight.Group

	refreshes *prometheus.CounterVec
}

// cachedToken is a token with the refresh margin it is checked against. The
// margin is clamped to half the lifetime of tokens shorter than the configured one.
type cachedToken struct {
	tok    Token
	margin time.Duration
}

// Option configures a Cache
type Option func(*Cache)

// WithClock sets the time source used for expiry checks
func WithClock(c clock.Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(cache *Cache) { cache.logger = l }
}

// WithExchangeTimeout bounds each exchange
func WithExchangeTimeout(d time.Duration) Option {
	return func(cache *Cache) { cache.timeout = d }
}

// NewCache creates a token cache. A token is refreshed once it expires within margin.
func NewCache(ex Exchanger, margin time.Duration, opts ...Option) *Cache {
	c := &Cache{
		exchanger: ex,
		margin:    margin,
		timeout:   DefaultExchangeTimeout,
		clock:     clock.RealClock{},
		logger:    logger.Discard(),
		tokens:    make(map[string]cachedToken),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "azure_webapp_exporter_token_refreshes_total",
				Help: "Token exchanges with the identity provider by result",
			},
			[]string{"result"},
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a valid token for id, exchanging a new one if needed.
// Every error is a failure.KindAuth error. A failed exchange leaves the
// previously cached token in place and the next call tries again.
func (c *Cache) Token(ctx context.Context, id config.Identity) (Token, error) {
	key := id.Key()
	if tok, ok := c.cached(key); ok {
		return tok, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// A flight that finished while we were queued may have stored a fresh token
		if tok, ok := c.cached(key); ok {
			return tok, nil
		}
		return c.exchange(ctx, id)
	})

	select {
	case <-ctx.Done():
		return Token{}, failure.Auth("token", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

// exchange runs one exchange detached from the caller, so that a waiter giving
// up does not fail the flight for the others
func (c *Cache) exchange(ctx context.Context, id config.Identity) (Token, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := c.clock.Now()
	tok, err := c.exchanger.Exchange(ctx, id)
	if err != nil {
		c.refreshes.WithLabelValues("failure").Inc()
		c.logger.Warn("Token exchange failed",
			"tenant_id", id.TenantID,
			"client_id", id.ClientID,
			"error", err)
		return Token{}, failure.Auth("token exchange", err)
	}
	if tok.Key == "" {
		tok.Key = id.Key()
	}

	now := c.clock.Now()
	lifetime := tok.ExpiresOn.Sub(now)
	if tok.Value == "" || lifetime <= 0 {
		c.refreshes.WithLabelValues("failure").Inc()
		c.logger.Warn("Token exchange returned an unusable token",
			"tenant_id", id.TenantID,
			"client_id", id.ClientID,
			"expires_on", tok.ExpiresOn.Format(time.RFC3339))
		return Token{}, failure.Auth("token exchange",
			fmt.Errorf("token expired at %s, before it could be used", tok.ExpiresOn.Format(time.RFC3339)))
	}

	margin := c.margin
	if lifetime <= margin {
		margin = lifetime / 2
		c.logger.Warn("Token lifetime is shorter than the refresh margin, refreshing at half its lifetime",
			"client_id", id.ClientID,
			"lifetime", lifetime.String(),
			"refresh_margin", c.margin.String())
	}

	c.mu.Lock()
	c.tokens[id.Key()] = cachedToken{tok: tok, margin: margin}
	c.mu.Unlock()

	c.refreshes.WithLabelValues("success").Inc()
	c.logger.Debug("Token refreshed",
		"client_id", id.ClientID,
		"expires_on", tok.ExpiresOn.Format(time.RFC3339),
		"duration", c.clock.Now().Sub(start).String())
	return tok, nil
}

func (c *Cache) cached(key string) (Token, bool) {
	c.mu.RLock()
	entry, ok := c.tokens[key]
	c.mu.RUnlock()
	if !ok || !entry.tok.ValidAt(c.clock.Now(), entry.margin) {
		return Token{}, false
	}
	return entry.tok, true
}

// Invalidate drops the cached token of id, forcing an exchange on the next call
func (c *Cache) Invalidate(id config.Identity) {
	c.mu.Lock()
	delete(c.tokens, id.Key())
	c.mu.Unlock()
}

// Credential adapts the cache to azcore.TokenCredential for Azure SDK clients.
// The ARM scope is implied, so requested scopes are ignored.
func (c *Cache) Credential(id config.Identity) azcore.TokenCredential {
	return &cacheCredential{cache: c, id: id}
}

type cacheCredential struct {
	cache *Cache
	id    config.Identity
}

func (cc *cacheCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := cc.cache.Token(ctx, cc.id)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{Token: tok.Value, ExpiresOn: tok.ExpiresOn}, nil
}

// Describe implements prometheus.Collector
func (c *Cache) Describe(ch chan<- *prometheus.Desc) {
	c.refreshes.Describe(ch)
}

// Collect implements prometheus.Collector
func (c *Cache) Collect(ch chan<- prometheus.Metric) {
	c.refreshes.Collect(ch)
}
