// Package square issues payment refunds through the Square API.
package square

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/config"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"

	defaultTimeout  = 10 * time.Second
	defaultCurrency = "USD"
	retryBaseDelay  = 200 * time.Millisecond
	redacted        = "[REDACTED]"
)

var (
	errAccessTokenRequired = errors.New("square access token is required")
	errInvalidSquareEnv    = fmt.Errorf("square environment must be %q or %q", sandboxEnv, productionEnv)
	errLoggerRequired      = errors.New("square logger is required")
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

// sensitiveFields never reach the logs verbatim.
var sensitiveFields = []string{"card", "nonce", "token", "cvv", "cvc", "secret", "email", "phone"}

type refundsAPI interface {
	RefundPayment(ctx context.Context, request *sq.RefundPaymentRequest, opts ...sqoption.RequestOption) (*sq.RefundPaymentResponse, error)
}

// Client refunds captured payments. Every call runs under its own timeout and
// retries transient failures with the caller's idempotency key.
type Client struct {
	refunds     refundsAPI
	environment string
	currency    string
	timeout     time.Duration
	maxRetries  uint64
	retryDelay  time.Duration
	logger      *logger.Logger
}

func NewClient(ctx context.Context, cfg config.SquareConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}
	accessToken := strings.TrimSpace(cfg.AccessToken)
	if accessToken == "" {
		return nil, errAccessTokenRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	sdk := sqclient.NewClient(
		sqoption.WithBaseURL(baseURLs[env]),
		sqoption.WithToken(accessToken),
	)

	logg.Info(logg.WithFields(ctx, map[string]any{
		"environment": env,
		"currency":    currency,
	}), "square client initialized")

	return &Client{
		refunds:     sdk.Refunds,
		environment: env,
		currency:    currency,
		timeout:     timeout,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  retryBaseDelay,
		logger:      logg,
	}, nil
}

// Environment reports the normalized Square environment.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// NewIdempotencyKey returns a fresh prefixed key for a provider call.
func NewIdempotencyKey(prefix string) string {
	key := strings.TrimSpace(prefix)
	if key == "" {
		key = "ff"
	}
	return key + "-" + uuid.NewString()
}

func idempotencyKeyOr(prefix, provided string) string {
	if trimmed := strings.TrimSpace(provided); trimmed != "" {
		return trimmed
	}
	return NewIdempotencyKey(prefix)
}

// logContext attaches op and redacted fields to ctx.
func (c *Client) logContext(ctx context.Context, op string, fields map[string]any) context.Context {
	out := make(map[string]any, len(fields)+1)
	out["operation"] = op
	for k, v := range fields {
		out[k] = redact(k, v)
	}
	return c.logger.WithFields(ctx, out)
}

func redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range sensitiveFields {
		if strings.Contains(lower, sensitive) {
			return redacted
		}
	}
	return value
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		return sandboxEnv, nil
	}
	if _, ok := baseURLs[env]; !ok {
		return "", errInvalidSquareEnv
	}
	return env, nil
}
