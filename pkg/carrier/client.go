package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/config"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/types"
)

const (
	defaultTimeout              = 5 * time.Second
	defaultRetryDelay           = 200 * time.Millisecond
	responseBodyReadLimit int64 = 1024
)

var (
	errBaseURLRequired = errors.New("carrier base url is required")
	errAPIKeyRequired  = errors.New("carrier api key is required")
	errLoggerRequired  = errors.New("carrier logger is required")

	// ErrShipmentNotFound is returned when the carrier has no record for a lookup key.
	ErrShipmentNotFound = pkgerrors.New(pkgerrors.CodeNotFound, "shipment not found at carrier")
)

// LookupKey identifies a shipment at the carrier. ServiceID wins when both forms are set.
type LookupKey struct {
	ServiceID      string
	CourierCode    string
	TrackingNumber string
}

// Valid reports whether the key can be sent to the carrier.
func (k LookupKey) Valid() bool {
	return strings.TrimSpace(k.ServiceID) != "" ||
		(strings.TrimSpace(k.CourierCode) != "" && strings.TrimSpace(k.TrackingNumber) != "")
}

// Canonical trims the key and keeps only the ServiceID when one is set, so
// keys naming the same shipment compare equal.
func (k LookupKey) Canonical() LookupKey {
	if id := strings.TrimSpace(k.ServiceID); id != "" {
		return LookupKey{ServiceID: id}
	}
	return LookupKey{
		CourierCode:    strings.TrimSpace(k.CourierCode),
		TrackingNumber: strings.TrimSpace(k.TrackingNumber),
	}
}

func (k LookupKey) String() string {
	if k.ServiceID != "" {
		return "service:" + k.ServiceID
	}
	return "tracking:" + k.CourierCode + "/" + k.TrackingNumber
}

// Shipment is the normalized carrier view of a parcel.
type Shipment struct {
	State          enums.ShipmentState
	RawStatus      string
	ServiceID      string
	CourierCode    string
	TrackingNumber string
}

// PickupRequest books a carrier collection from a customer address.
type PickupRequest struct {
	IdempotencyKey string
	Reference      string
	Quantity       int
	Address        types.DeliveryAddress
}

// Pickup is a booked collection.
type Pickup struct {
	ServiceID      string
	CourierCode    string
	TrackingNumber string
}

// Client talks to the shipment tracking and pickup booking provider.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries uint64
	retryDelay time.Duration
	logger     *logger.Logger
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryDelay overrides the base delay of the exponential retry backoff.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Client) {
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

// NewClient builds the carrier client from configuration.
func NewClient(cfg config.CarrierConfig, logg *logger.Logger, opts ...Option) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retryDelay := cfg.RetryBaseDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxRetries: cfg.MaxRetries,
		retryDelay: retryDelay,
		logger:     logg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

type shipmentResponse struct {
	ServiceID      string `json:"service_id"`
	Status         string `json:"status"`
	CourierCode    string `json:"courier_code"`
	TrackingNumber string `json:"tracking_number"`
}

// Lookup fetches the current state of a shipment.
func (c *Client) Lookup(ctx context.Context, key LookupKey) (Shipment, error) {
	if c == nil {
		return Shipment{}, pkgerrors.New(pkgerrors.CodeDependency, "carrier client not configured")
	}
	if !key.Valid() {
		return Shipment{}, pkgerrors.New(pkgerrors.CodeValidation, "carrier lookup requires a service id or courier and tracking number")
	}

	var path string
	if key.ServiceID != "" {
		path = "v1/shipments/" + url.PathEscape(key.ServiceID)
	} else {
		path = fmt.Sprintf("v1/tracking/%s/%s", url.PathEscape(key.CourierCode), url.PathEscape(key.TrackingNumber))
	}

	var out shipmentResponse
	if err := c.do(ctx, "lookup", http.MethodGet, path, "", nil, &out); err != nil {
		return Shipment{}, err
	}
	return Shipment{
		State:          enums.NormalizeShipmentState(out.Status),
		RawStatus:      out.Status,
		ServiceID:      firstNonEmpty(out.ServiceID, key.ServiceID),
		CourierCode:    strings.TrimSpace(out.CourierCode),
		TrackingNumber: strings.TrimSpace(out.TrackingNumber),
	}, nil
}

// BookPickup requests a collection from the given address.
func (c *Client) BookPickup(ctx context.Context, req PickupRequest) (Pickup, error) {
	if c == nil {
		return Pickup{}, pkgerrors.New(pkgerrors.CodeDependency, "carrier client not configured")
	}
	if missing := req.Address.MissingFields(); len(missing) > 0 {
		return Pickup{}, pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonIncompletePickupAddress, "pickup address is incomplete").
			WithDetails(map[string]any{"missing": missing})
	}
	if req.Quantity <= 0 {
		return Pickup{}, pkgerrors.New(pkgerrors.CodeValidation, "pickup quantity must be positive")
	}

	payload := map[string]any{
		"reference":          req.Reference,
		"quantity":           req.Quantity,
		"receiver_name":      req.Address.ReceiverName,
		"receiver_phone":     req.Address.ReceiverPhone,
		"postal_code":        req.Address.PostalCode,
		"line1":              req.Address.Line1,
		"line2":              req.Address.Line2,
		"entry_instructions": req.Address.EntryInstructions,
		"delivery_note":      req.Address.DeliveryNote,
	}
	var out shipmentResponse
	if err := c.do(ctx, "book_pickup", http.MethodPost, "v1/pickups", req.IdempotencyKey, payload, &out); err != nil {
		return Pickup{}, err
	}
	if strings.TrimSpace(out.ServiceID) == "" {
		return Pickup{}, pkgerrors.New(pkgerrors.CodeDependency, "carrier pickup response missing service id")
	}
	return Pickup{
		ServiceID:      out.ServiceID,
		CourierCode:    out.CourierCode,
		TrackingNumber: out.TrackingNumber,
	}, nil
}

// CancelPickup withdraws a booked collection. Cancelling an unknown pickup is not an error.
func (c *Client) CancelPickup(ctx context.Context, serviceID string) error {
	if c == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "carrier client not configured")
	}
	trimmed := strings.TrimSpace(serviceID)
	if trimmed == "" {
		return nil
	}
	err := c.do(ctx, "cancel_pickup", http.MethodDelete, "v1/pickups/"+url.PathEscape(trimmed), "", nil, nil)
	if errors.Is(err, ErrShipmentNotFound) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, body any, out any) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("marshal carrier %s request", op))
		}
		payload = raw
	}
	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	c.log(ctx, "request", op, map[string]any{"method": method, "path": path})

	attempt := 0
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("build carrier %s request", op))
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Accept", "application/json")
		if payload != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			httpReq.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("carrier %s cancelled", op))
			}
			c.log(ctx, "retry", op, map[string]any{"attempt": attempt, "error": err.Error()})
			return retry.RetryableError(pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("execute carrier %s request", op)))
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrShipmentNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
			c.log(ctx, "retry", op, map[string]any{"attempt": attempt, "status": resp.StatusCode})
			return retry.RetryableError(statusError(op, resp.StatusCode, msg))
		case resp.StatusCode >= http.StatusBadRequest:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
			return statusError(op, resp.StatusCode, msg)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("decode carrier %s response", op))
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrShipmentNotFound) {
			c.log(ctx, "error", op, map[string]any{"error": err.Error(), "attempts": attempt})
		}
		return err
	}
	c.log(ctx, "response", op, map[string]any{"attempts": attempt})
	return nil
}

func statusError(op string, status int, body []byte) error {
	cause := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	return pkgerrors.Wrap(pkgerrors.CodeDependency, cause, fmt.Sprintf("carrier %s request failed", op))
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = redact(k, v)
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Error(ctx, fmt.Sprintf("carrier %s", op), errors.New(fmt.Sprint(fields["error"])))
	case "retry":
		c.logger.Warn(ctx, fmt.Sprintf("carrier %s retry", op))
	default:
		c.logger.Info(ctx, fmt.Sprintf("carrier %s", phase))
	}
}

func redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"phone", "receiver", "key", "token", "secret"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
