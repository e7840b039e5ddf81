// Package fetcher walks the provider's paginated consumption data.
//
// A Session yields raw readings page by page in whatever order the provider
// returns them. It does no sorting: ordering is left to the normalize and
// watermark stages, since reordering here would need unbounded buffering.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/octoingest/internal/models"
	"github.com/tejusbharadwaj/octoingest/internal/octopus"
	"github.com/tejusbharadwaj/octoingest/internal/retry"
)

// ErrExhaustedRetries is returned when a page kept failing transiently.
var ErrExhaustedRetries = errors.New("fetch: exhausted retries")

// PageQuerier is the provider boundary the fetcher needs.
type PageQuerier interface {
	QueryPage(ctx context.Context, token string, req octopus.PageRequest) (*octopus.Page, error)
	UnitRates(ctx context.Context, token string, req octopus.RatesRequest) (*octopus.Page, error)
}

// TokenSource hands out valid bearer tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

// Observer is told about fetch progress. All methods may be called from
// several sessions at once.
type Observer interface {
	PageFetched(meterID string, readings int)
	PageRetried(meterID string)
}

type nopObserver struct{}

func (nopObserver) PageFetched(string, int) {}
func (nopObserver) PageRetried(string)      {}

// Fetcher starts fetch sessions.
type Fetcher struct {
	client        PageQuerier
	tokens        TokenSource
	policy        retry.Policy
	accountNumber string
	logger        *logrus.Logger
	observer      Observer
}

// NewFetcher creates a Fetcher. observer may be nil.
func NewFetcher(client PageQuerier, tokens TokenSource, accountNumber string, policy retry.Policy, logger *logrus.Logger, observer Observer) *Fetcher {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Fetcher{
		client:        client,
		tokens:        tokens,
		policy:        policy,
		accountNumber: accountNumber,
		logger:        logger,
		observer:      observer,
	}
}

// FetchSince starts a session for meter's readings from from onward. No
// request is made until the first call to Next.
func (f *Fetcher) FetchSince(meter models.Meter, from time.Time) *Session {
	return &Session{
		fetcher: f,
		meter:   meter,
		from:    from,
		seen:    make(map[string]struct{}),
	}
}

// Session is a single pass over a meter's pages. It is not safe for
// concurrent use and cannot be restarted: once Next returns false it keeps
// returning false.
type Session struct {
	fetcher *Fetcher
	meter   models.Meter
	from    time.Time

	cursor  string
	started bool
	done    bool
	err     error
	seen    map[string]struct{}

	buf     []models.RawReading
	current models.RawReading
	windows []models.TariffWindow
	dropped []octopus.Dropped
	pages   int
}

// Next advances to the next reading, fetching pages as needed. It returns
// false when the final page has been consumed or an error occurred. Readings
// already returned stay valid when a later page fails.
func (s *Session) Next(ctx context.Context) bool {
	for len(s.buf) == 0 {
		if s.done {
			return false
		}
		if s.started && s.cursor == "" {
			s.done = true
			return false
		}
		if err := s.fetchPage(ctx); err != nil {
			s.err = err
			s.done = true
			s.buf = nil
			return false
		}
	}

	s.current = s.buf[0]
	s.buf = s.buf[1:]
	return true
}

// Reading returns the reading Next advanced to.
func (s *Session) Reading() models.RawReading {
	return s.current
}

// TariffWindows returns the windows seen so far, numbered in the order
// they were declared across the session's pages.
func (s *Session) TariffWindows() []models.TariffWindow {
	return s.windows
}

// Dropped returns the rows left out of the session's pages because they
// could not be decoded.
func (s *Session) Dropped() []octopus.Dropped {
	return s.dropped
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	return s.err
}

// Pages returns how many pages were fetched.
func (s *Session) Pages() int {
	return s.pages
}

func (s *Session) fetchPage(ctx context.Context) error {
	f := s.fetcher
	req := octopus.PageRequest{
		AccountNumber: f.accountNumber,
		Meter:         s.meter,
		From:          s.from,
		Cursor:        s.cursor,
	}

	page, err := fetchWithRetry(ctx, f, s.meter.ID, func(ctx context.Context, token string) (*octopus.Page, error) {
		return f.client.QueryPage(ctx, token, req)
	})
	if err != nil {
		return err
	}

	if page.NextCursor != "" {
		if _, dup := s.seen[page.NextCursor]; dup || page.NextCursor == s.cursor {
			return fmt.Errorf("%w: cursor %q repeated within session", octopus.ErrMalformedPage, page.NextCursor)
		}
		s.seen[page.NextCursor] = struct{}{}
	}

	s.started = true
	s.cursor = page.NextCursor
	s.pages++
	s.buf = append(s.buf, page.Readings...)
	s.dropped = append(s.dropped, page.Dropped...)
	for _, w := range page.Tariffs {
		w.Declared = len(s.windows)
		s.windows = append(s.windows, w)
	}
	for _, d := range page.Dropped {
		f.logger.WithFields(logrus.Fields{
			"meter_id": s.meter.ID,
			"page":     s.pages,
			"reason":   d.Reason,
			"error":    d.Err.Error(),
		}).Warn("Dropped undecodable row")
	}

	f.observer.PageFetched(s.meter.ID, len(page.Readings))
	f.logger.WithFields(logrus.Fields{
		"meter_id": s.meter.ID,
		"page":     s.pages,
		"readings": len(page.Readings),
		"last":     page.NextCursor == "",
	}).Debug("Fetched page")

	return nil
}

// UnitRates reads every page of standard unit rates for a tariff from from
// onward.
func (f *Fetcher) UnitRates(ctx context.Context, kind models.MeterKind, productCode, tariffCode string, from time.Time) ([]models.TariffWindow, error) {
	var windows []models.TariffWindow
	seen := make(map[string]struct{})
	cursor := ""

	for {
		req := octopus.RatesRequest{
			Kind:        kind,
			ProductCode: productCode,
			TariffCode:  tariffCode,
			From:        from,
			Cursor:      cursor,
		}
		page, err := fetchWithRetry(ctx, f, tariffCode, func(ctx context.Context, token string) (*octopus.Page, error) {
			return f.client.UnitRates(ctx, token, req)
		})
		if err != nil {
			return nil, err
		}

		for _, w := range page.Tariffs {
			w.Declared = len(windows)
			windows = append(windows, w)
		}
		for _, d := range page.Dropped {
			f.logger.WithFields(logrus.Fields{
				"tariff_code": tariffCode,
				"reason":      d.Reason,
				"error":       d.Err.Error(),
			}).Warn("Dropped undecodable unit rate")
		}

		if page.NextCursor == "" {
			return windows, nil
		}
		if _, dup := seen[page.NextCursor]; dup {
			return nil, fmt.Errorf("%w: cursor %q repeated within session", octopus.ErrMalformedPage, page.NextCursor)
		}
		seen[page.NextCursor] = struct{}{}
		cursor = page.NextCursor
	}
}

// fetchWithRetry runs one page request under the fetch policy. A rejected
// token is invalidated and the page retried with a fresh one; an invalid
// credential or malformed page ends the fetch immediately.
func fetchWithRetry(ctx context.Context, f *Fetcher, key string, query func(ctx context.Context, token string) (*octopus.Page, error)) (*octopus.Page, error) {
	var page *octopus.Page
	err := retry.Do(ctx, f.policy,
		func(err error) bool {
			return errors.Is(err, octopus.ErrTransient) || errors.Is(err, octopus.ErrUnauthorized)
		},
		func(attempt int, delay time.Duration, err error) {
			f.observer.PageRetried(key)
			f.logger.WithFields(logrus.Fields{
				"key":     key,
				"attempt": attempt,
				"backoff": delay.String(),
				"error":   err.Error(),
			}).Warn("Page request failed, retrying")
		},
		func(ctx context.Context) error {
			token, err := f.tokens.Token(ctx)
			if err != nil {
				return err
			}
			page, err = query(ctx, token)
			if errors.Is(err, octopus.ErrUnauthorized) {
				f.tokens.Invalidate(token)
			}
			return err
		})
	if errors.Is(err, retry.ErrExhausted) {
		return nil, fmt.Errorf("%w: %v", ErrExhaustedRetries, err)
	}
	if err != nil {
		return nil, err
	}
	return page, nil
}
