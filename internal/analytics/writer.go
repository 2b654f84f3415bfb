package analytics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"github.com/sethvargo/go-retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultMaxRetries   = 2
	defaultRetryBackoff = 250 * time.Millisecond
	maximumRetryBackoff = 2 * time.Second
)

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// WriterConfig controls the BigQuery writer.
type WriterConfig struct {
	Table      string
	MaxRetries uint64
	Backoff    time.Duration
}

// Writer streams event rows into BigQuery, retrying transient failures.
type Writer struct {
	client     tableInserter
	table      string
	maxRetries uint64
	backoff    time.Duration
}

func NewWriter(client tableInserter, cfg WriterConfig) (*Writer, error) {
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		return nil, errors.New("events table is required")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Writer{client: client, table: table, maxRetries: maxRetries, backoff: backoff}, nil
}

// Write inserts one row keyed by its event id, so a redelivered event is
// deduplicated by the streaming API on a best-effort basis.
func (w *Writer) Write(ctx context.Context, row *EventRow) error {
	if row == nil {
		return nil
	}
	saver := &cbigquery.StructSaver{Struct: row, InsertID: row.EventID}
	backoff := retry.WithCappedDuration(maximumRetryBackoff, retry.NewExponential(w.backoff))
	backoff = retry.WithMaxRetries(w.maxRetries, backoff)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := w.client.InsertRows(ctx, w.table, []any{saver}); err != nil {
			if isRetryableBigQueryError(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert %s row: %w", w.table, err)
	}
	return nil
}

func isRetryableBigQueryError(err error) bool {
	if err == nil {
		return false
	}

	var pme cbigquery.PutMultiError
	if errors.As(err, &pme) {
		if len(pme) == 0 {
			return false
		}
		for _, rowErr := range pme {
			if !isRetryableBigQueryError(rowErr.Errors) {
				return false
			}
		}
		return true
	}

	var multi cbigquery.MultiError
	if errors.As(err, &multi) {
		if len(multi) == 0 {
			return false
		}
		for _, inner := range multi {
			if !isRetryableBigQueryError(inner) {
				return false
			}
		}
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return isRetryableHTTPCode(apiErr.Code)
	}

	var statusErr interface{ GRPCStatus() *status.Status }
	if errors.As(err, &statusErr) {
		if st := statusErr.GRPCStatus(); st != nil {
			return isRetryableGRPCCode(st.Code())
		}
	}

	return false
}

func isRetryableHTTPCode(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isRetryableGRPCCode(code codes.Code) bool {
	switch code {
	case codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.ResourceExhausted,
		codes.Unavailable:
		return true
	default:
		return false
	}
}
