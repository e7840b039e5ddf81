// Package octopus is a typed client for the Octopus Energy API.
//
// Tokens are exchanged over GraphQL. Consumption is read either through the
// GraphQL measurements connection or the REST consumption endpoint, both of
// which are paginated and surface as a uniform Page.
package octopus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidCredential means the provider refused the stored credential.
	// It is never retried.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrTransient covers network failures, timeouts, throttling and 5xx
	// responses.
	ErrTransient = errors.New("transient provider error")
	// ErrUnauthorized means a bearer token was rejected before its expiry.
	ErrUnauthorized = errors.New("token rejected by provider")
	// ErrMalformedPage means a response matched none of the known page shapes
	// or the request was refused as invalid.
	ErrMalformedPage = errors.New("malformed page")
)

const (
	DefaultGraphQLURL = "https://api.octopus.energy/v1/graphql/"
	DefaultRESTURL    = "https://api.octopus.energy/v1"
	userAgent         = "octoingest/1.0"
)

// Config holds client settings.
type Config struct {
	GraphQLURL        string
	RESTURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	PageSize          int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		GraphQLURL:        DefaultGraphQLURL,
		RESTURL:           DefaultRESTURL,
		Timeout:           30 * time.Second,
		RequestsPerSecond: 2,
		Burst:             4,
		PageSize:          500,
	}
}

// Client talks to the provider. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewClient builds a Client. Zero fields in cfg fall back to DefaultConfig.
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	def := DefaultConfig()
	if cfg.GraphQLURL == "" {
		cfg.GraphQLURL = def.GraphQLURL
	}
	if cfg.RESTURL == "" {
		cfg.RESTURL = def.RESTURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
	}
}

type graphQLRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		ErrorType string `json:"errorType"`
		ErrorCode string `json:"errorCode"`
	} `json:"extensions"`
}

func (e graphQLError) String() string {
	if e.Extensions.ErrorCode != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Extensions.ErrorCode)
	}
	return e.Message
}

// postGraphQL sends a GraphQL operation and returns the raw response body.
func (c *Client) postGraphQL(ctx context.Context, token string, req graphQLRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", req.OperationName, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GraphQLURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", token)
	}

	return c.do(httpReq, req.OperationName)
}

// get issues an authenticated GET against an absolute URL.
func (c *Client) get(ctx context.Context, token, url, operation string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", token)
	}

	return c.do(httpReq, operation)
}

// do waits for the rate limiter, performs the request and maps transport and
// status failures onto the package's error taxonomy.
func (c *Client) do(req *http.Request, operation string) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransient, operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading body: %v", ErrTransient, operation, err)
	}

	c.logger.WithFields(logrus.Fields{
		"operation": operation,
		"status":    resp.StatusCode,
		"duration":  time.Since(start).String(),
	}).Debug("Provider request")

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s: got %d", ErrUnauthorized, operation, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s: got %d", ErrTransient, operation, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: %s: got %d", ErrMalformedPage, operation, resp.StatusCode)
	}
}

// classifyGraphQLErrors maps GraphQL-level errors on data queries.
func classifyGraphQLErrors(operation string, errs []graphQLError) error {
	first := errs[0]
	switch first.Extensions.ErrorType {
	case "AUTHORIZATION", "AUTHENTICATION":
		return fmt.Errorf("%w: %s: %s", ErrUnauthorized, operation, first)
	case "VALIDATION":
		return fmt.Errorf("%w: %s: %s", ErrMalformedPage, operation, first)
	}
	// KT-CT-1124: JWT expired.
	if first.Extensions.ErrorCode == "KT-CT-1124" {
		return fmt.Errorf("%w: %s: %s", ErrUnauthorized, operation, first)
	}
	return fmt.Errorf("%w: %s: %s", ErrTransient, operation, first)
}

// IsRetryable reports whether err is worth another attempt with the same
// token.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
