package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/fulfillment-backoffice/api/responses"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	maxIdempotencyKey = 255

	defaultIdempotencyTTL  = 24 * time.Hour
	criticalIdempotencyTTL = 7 * 24 * time.Hour
	inFlightTTL            = 2 * time.Minute
)

// IdempotencyStore persists replayable responses keyed by caller scope.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

type idempotentRoute struct {
	method   string
	segments []string
	ttl      time.Duration
}

// Money-moving routes keep their responses for a week; the rest for a day.
var idempotentRoutes = compileRoutes(map[string]time.Duration{
	"POST /api/v1/orders":    defaultIdempotencyTTL,
	"POST /api/v1/reconcile": defaultIdempotencyTTL,
	"POST /api/v1/orders/{orderId}/groups/{groupNumber}/tracking": defaultIdempotencyTTL,
	"POST /api/v1/orders/{orderId}/groups/{groupNumber}/merge":    defaultIdempotencyTTL,
	"POST /api/v1/line-items/{lineItemId}/transition":             defaultIdempotencyTTL,
	"POST /api/v1/line-items/{lineItemId}/split":                  defaultIdempotencyTTL,
	"POST /api/v1/line-items/{lineItemId}/returns":                defaultIdempotencyTTL,
	"POST /api/v1/line-items/{lineItemId}/returns/pickup":         defaultIdempotencyTTL,
	"POST /api/v1/line-items/{lineItemId}/returns/fee-decision":   defaultIdempotencyTTL,
	"POST /api/v1/line-items/{lineItemId}/returns/replacement":    defaultIdempotencyTTL,
	"POST /api/v1/line-items/{lineItemId}/returns/approve":        defaultIdempotencyTTL,
	"POST /api/v1/line-items/{lineItemId}/returns/reject":         defaultIdempotencyTTL,
	"POST /api/v1/orders/{orderId}/refunds":                       criticalIdempotencyTTL,
	"POST /api/v1/payments/{paymentId}/delivery-fee-refund":       criticalIdempotencyTTL,
})

// storedResponse is either an in-flight marker or a finished response.
type storedResponse struct {
	Pending     bool              `json:"pending,omitempty"`
	Status      int               `json:"status,omitempty"`
	Body        string            `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	RequestHash string            `json:"request_hash"`
}

// Idempotency reserves the Idempotency-Key before the handler runs, replays
// the stored response for repeats with the same body, and rejects repeats
// with a different body or while the first request is still running.
// Responses with a 5xx status are dropped so the caller can retry.
func Idempotency(store IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ttl, ok := routeTTL(r.Method, r.URL.Path)
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if clientKey == "" || len(clientKey) > maxIdempotencyKey {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required").
					WithDetails(map[string]any{"field": idempotencyHeader, "max_length": maxIdempotencyKey}))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			requestHash := hashBody(body)
			key := store.IdempotencyKey(buildScope(r), clientKey)

			marker, _ := json.Marshal(storedResponse{Pending: true, RequestHash: requestHash})
			reserved, err := store.SetNX(ctx, key, string(marker), inFlightTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !reserved {
				replayOrReject(ctx, logg, w, store, key, requestHash)
				return
			}

			rec := &responseCapture{ResponseWriter: w}
			completed := false
			defer func() {
				if !completed {
					// handler panicked; free the key for the retry
					_ = store.Del(context.WithoutCancel(ctx), key)
				}
			}()
			next.ServeHTTP(rec, r)
			completed = true

			status := defaultStatus(rec.status)
			if status >= http.StatusInternalServerError {
				if err := store.Del(context.WithoutCancel(ctx), key); err != nil {
					logError(ctx, logg, "release idempotency key", err)
				}
				return
			}

			record := storedResponse{
				Status:      status,
				Body:        base64.StdEncoding.EncodeToString(rec.body.Bytes()),
				RequestHash: requestHash,
			}
			if ct := rec.Header().Get("Content-Type"); ct != "" {
				record.Headers = map[string]string{"Content-Type": ct}
			}
			payload, err := json.Marshal(record)
			if err != nil {
				logError(ctx, logg, "encode idempotent response", err)
				return
			}
			if err := store.Set(context.WithoutCancel(ctx), key, string(payload), ttl); err != nil {
				logError(ctx, logg, "persist idempotent response", err)
			}
		})
	}
}

func replayOrReject(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, store IdempotencyStore, key, requestHash string) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		// the first attempt released the key between SETNX and GET
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key is still in progress"))
		return
	}
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load idempotent response"))
		return
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotent response"))
		return
	}
	if stored.RequestHash != requestHash {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
		return
	}
	if stored.Pending {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key is still in progress"))
		return
	}

	body, err := base64.StdEncoding.DecodeString(stored.Body)
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotent response body"))
		return
	}
	for name, value := range stored.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set(replayedHeader, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(body)
}

// buildScope keys stored responses by caller and concrete path, so the same
// client key on two line items never collides.
func buildScope(r *http.Request) string {
	return strings.Join([]string{OperatorFromContext(r.Context()), r.Method, r.URL.Path}, "|")
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(bytes.TrimSpace(payload))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func defaultStatus(value int) int {
	if value == 0 {
		return http.StatusOK
	}
	return value
}

func compileRoutes(rules map[string]time.Duration) []idempotentRoute {
	out := make([]idempotentRoute, 0, len(rules))
	for rule, ttl := range rules {
		method, path, _ := strings.Cut(rule, " ")
		out = append(out, idempotentRoute{method: method, segments: splitPath(path), ttl: ttl})
	}
	return out
}

// routeTTL matches a request path against the route templates; a {param}
// segment matches any single non-empty segment.
func routeTTL(method, path string) (time.Duration, bool) {
	segments := splitPath(path)
	for _, route := range idempotentRoutes {
		if route.method == method && matchSegments(route.segments, segments) {
			return route.ttl, true
		}
	}
	return 0, false
}

func matchSegments(template, segments []string) bool {
	if len(template) != len(segments) {
		return false
	}
	for i, want := range template {
		if strings.HasPrefix(want, "{") && strings.HasSuffix(want, "}") {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if want != segments[i] {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
