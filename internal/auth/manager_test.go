package auth

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/octoingest/internal/models"
	"github.com/tejusbharadwaj/octoingest/internal/octopus"
	"github.com/tejusbharadwaj/octoingest/internal/retry"
)

type fakeAuthenticator struct {
	calls   atomic.Int32
	results []error
	expiry  time.Duration
	now     func() time.Time
	gate    chan struct{}
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, _ models.Credential) (models.Token, error) {
	n := int(f.calls.Add(1))
	if f.gate != nil {
		<-f.gate
	}
	if n <= len(f.results) && f.results[n-1] != nil {
		return models.Token{}, f.results[n-1]
	}
	return models.Token{Value: fmt.Sprintf("token-%d", n), Expiry: f.now().Add(f.expiry)}, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestManager(a *fakeAuthenticator, c *clock) *Manager {
	a.now = c.Now
	return NewManager(a, models.Credential{APIKey: "key"}, quietLogger(),
		WithClock(c.Now),
		WithPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
	)
}

func TestTokenCachesUntilMargin(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := &fakeAuthenticator{expiry: time.Hour}
	m := newTestManager(a, c)

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	c.Advance(58 * time.Minute)
	tok, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.EqualValues(t, 1, a.calls.Load())

	// Within 60s of expiry the token is refreshed before use.
	c.Advance(90 * time.Second)
	tok, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
	assert.EqualValues(t, 2, a.calls.Load())
}

func TestTokenSingleFlight(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := &fakeAuthenticator{expiry: time.Hour, gate: make(chan struct{})}
	m := newTestManager(a, c)

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.Token(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return a.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(a.gate)
	wg.Wait()

	assert.EqualValues(t, 1, a.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "token-1", tokens[i])
	}
}

func TestTokenInvalidCredentialNotRetried(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := &fakeAuthenticator{results: []error{fmt.Errorf("%w: KT-CT-1138", octopus.ErrInvalidCredential)}}
	m := newTestManager(a, c)

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, octopus.ErrInvalidCredential)
	assert.EqualValues(t, 1, a.calls.Load())
}

func TestTokenTransientRetriedAndBounded(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}

	t.Run("recovers", func(t *testing.T) {
		a := &fakeAuthenticator{expiry: time.Hour, results: []error{octopus.ErrTransient, octopus.ErrTransient}}
		m := newTestManager(a, c)

		tok, err := m.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "token-3", tok)
	})

	t.Run("gives up", func(t *testing.T) {
		a := &fakeAuthenticator{results: []error{octopus.ErrTransient, octopus.ErrTransient, octopus.ErrTransient, nil}}
		m := newTestManager(a, c)

		_, err := m.Token(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, octopus.ErrTransient)
		assert.ErrorIs(t, err, retry.ErrExhausted)
		assert.EqualValues(t, 3, a.calls.Load())
	})
}

func TestInvalidate(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := &fakeAuthenticator{expiry: time.Hour}
	m := newTestManager(a, c)

	tok, err := m.Token(context.Background())
	require.NoError(t, err)

	m.Invalidate("some-other-token")
	again, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok, again)

	m.Invalidate(tok)
	again, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", again)
}

func TestTokenRejectsAlreadyStaleToken(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := &fakeAuthenticator{expiry: 30 * time.Second}
	m := newTestManager(a, c)

	_, err := m.Token(context.Background())
	assert.ErrorIs(t, err, octopus.ErrTransient)
}
