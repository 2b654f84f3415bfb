package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/api/responses"
	"github.com/angelmondragon/fulfillment-backoffice/api/validators"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/pagination"
)

type deadLetterLister interface {
	ListPage(ctx context.Context, params pagination.Params, reason enums.OutboxDLQErrorReason) ([]models.OutboxDLQ, string, error)
}

type deadLetterView struct {
	ID            uuid.UUID       `json:"id"`
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	ErrorReason   string          `json:"error_reason"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	AttemptCount  int             `json:"attempt_count"`
	FailedAt      time.Time       `json:"failed_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// DeadLetters lists events the publisher gave up on, newest first, optionally
// narrowed to one reason. Payloads are omitted unless include_payload=true.
func DeadLetters(repo deadLetterLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dead letter store unavailable"))
			return
		}

		params, err := validators.ParsePagination(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if _, err := pagination.ParseCursor(params.Cursor); errors.Is(err, pagination.ErrInvalidCursor) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor").WithDetails(map[string]any{"field": "cursor"}))
			return
		}
		includePayload, err := validators.ParseQueryBool(r, "include_payload", false)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var reason enums.OutboxDLQErrorReason
		if raw := r.URL.Query().Get("reason"); raw != "" {
			reason, err = enums.ParseOutboxDLQErrorReason(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid reason").WithDetails(map[string]any{"field": "reason"}))
				return
			}
		}

		rows, next, err := repo.ListPage(r.Context(), params, reason)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "list dead letters"))
			return
		}

		items := make([]deadLetterView, 0, len(rows))
		for _, row := range rows {
			view := deadLetterView{
				ID:            row.ID,
				EventID:       row.EventID,
				EventType:     string(row.EventType),
				AggregateType: string(row.AggregateType),
				AggregateID:   row.AggregateID,
				ErrorReason:   string(row.ErrorReason),
				ErrorMessage:  row.ErrorMessage,
				AttemptCount:  row.AttemptCount,
				FailedAt:      row.FailedAt,
			}
			if includePayload {
				view.Payload = row.Payload
			}
			items = append(items, view)
		}
		responses.WritePage(w, items, params.Limit, next)
	}
}
