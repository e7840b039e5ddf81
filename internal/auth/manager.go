// Package auth owns the provider bearer token.
//
// Callers ask the Manager for a token before every provider call. The
// Manager refreshes it synchronously when it is missing or about to expire;
// concurrent callers that need a refresh share a single exchange.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tejusbharadwaj/octoingest/internal/models"
	"github.com/tejusbharadwaj/octoingest/internal/octopus"
	"github.com/tejusbharadwaj/octoingest/internal/retry"
)

// DefaultMargin is how long before expiry a token is considered stale.
const DefaultMargin = 60 * time.Second

// Authenticator performs the credential exchange.
type Authenticator interface {
	Authenticate(ctx context.Context, cred models.Credential) (models.Token, error)
}

// Manager caches the current token. The zero value is not usable; use
// NewManager.
type Manager struct {
	authenticator Authenticator
	credential    models.Credential
	margin        time.Duration
	policy        retry.Policy
	timeout       time.Duration
	logger        *logrus.Logger
	now           func() time.Time

	mu    sync.RWMutex
	token models.Token

	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithMargin overrides DefaultMargin.
func WithMargin(d time.Duration) Option {
	return func(m *Manager) { m.margin = d }
}

// WithPolicy sets the retry policy for transient exchange failures.
func WithPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithTimeout bounds a single refresh, retries included.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager for cred.
func NewManager(a Authenticator, cred models.Credential, logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		authenticator: a,
		credential:    cred,
		margin:        DefaultMargin,
		policy:        retry.DefaultPolicy(),
		timeout:       2 * time.Minute,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns a token that is valid for at least the safety margin.
//
// Errors wrap octopus.ErrInvalidCredential when the credential is refused
// and octopus.ErrTransient when the exchange kept failing.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	ch := m.group.DoChan("refresh", func() (any, error) {
		// Another caller may have finished a refresh while we queued.
		if tok, ok := m.cached(); ok {
			return tok, nil
		}
		return m.refresh()
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops token if it is still the cached one, forcing the next
// Token call to refresh.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token.Value == token {
		m.token = models.Token{}
	}
}

func (m *Manager) cached() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token.Value == "" || !m.now().Add(m.margin).Before(m.token.Expiry) {
		return "", false
	}
	return m.token.Value, true
}

// refresh runs detached from any single caller's context so that one
// caller giving up does not fail the others sharing the exchange.
func (m *Manager) refresh() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var tok models.Token
	err := retry.Do(ctx, m.policy, octopus.IsRetryable,
		func(attempt int, delay time.Duration, err error) {
			m.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": delay.String(),
				"error":   err.Error(),
			}).Warn("Token refresh failed, retrying")
		},
		func(ctx context.Context) error {
			var err error
			tok, err = m.authenticator.Authenticate(ctx, m.credential)
			return err
		})
	if err != nil {
		if errors.Is(err, octopus.ErrInvalidCredential) {
			m.logger.WithError(err).Error("Provider rejected credential")
			return "", err
		}
		if !errors.Is(err, octopus.ErrTransient) {
			err = fmt.Errorf("%w: %v", octopus.ErrTransient, err)
		}
		return "", fmt.Errorf("token refresh: %w", err)
	}

	if !m.now().Add(m.margin).Before(tok.Expiry) {
		return "", fmt.Errorf("%w: token from provider expires at %s, inside the refresh margin",
			octopus.ErrTransient, tok.Expiry.Format(time.RFC3339))
	}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()

	m.logger.WithField("expiry", tok.Expiry.Format(time.RFC3339)).Info("Obtained provider token")
	return tok.Value, nil
}
