package analytics

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/bigquery"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
)

// Envelope is a fulfillment event as delivered on the events topic.
type Envelope struct {
	EventID       string
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	OccurredAt    time.Time
	Actor         *outbox.ActorRef
	Payload       json.RawMessage
}

// EventRow is one row of the fulfillment events table.
type EventRow struct {
	EventID       string               `bigquery:"event_id"`
	EventType     string               `bigquery:"event_type"`
	AggregateType string               `bigquery:"aggregate_type"`
	AggregateID   string               `bigquery:"aggregate_id"`
	OccurredAt    time.Time            `bigquery:"occurred_at"`
	Actor         cbigquery.NullString `bigquery:"actor"`
	OrderID       cbigquery.NullString `bigquery:"order_id"`
	LineItemID    cbigquery.NullString `bigquery:"line_item_id"`
	FromStatus    cbigquery.NullString `bigquery:"from_status"`
	ToStatus      cbigquery.NullString `bigquery:"to_status"`
	Trigger       cbigquery.NullString `bigquery:"trigger"`
	Flow          cbigquery.NullString `bigquery:"flow"`
	AmountCents   cbigquery.NullInt64  `bigquery:"amount_cents"`
	Payload       cbigquery.NullJSON   `bigquery:"payload"`
}

// EventsTableSpec describes the events table, partitioned daily on
// occurred_at, for the given table name.
func EventsTableSpec(table string) (bigquery.TableSpec, error) {
	schema, err := cbigquery.InferSchema(EventRow{})
	if err != nil {
		return bigquery.TableSpec{}, fmt.Errorf("infer events schema: %w", err)
	}
	return bigquery.TableSpec{Name: table, Schema: schema, PartitionField: "occurred_at"}, nil
}

// ingested lists the event types written to the warehouse. Notification
// requests carry buyer contact details and stay out.
var ingested = map[enums.OutboxEventType]struct{}{
	enums.EventLineItemStatusChanged: {},
	enums.EventLineItemGroupChanged:  {},
	enums.EventRefundIssued:          {},
	enums.EventDeliveryFeeRefunded:   {},
}

// Ingests reports whether events of type t are written to the warehouse.
func Ingests(t enums.OutboxEventType) bool {
	_, ok := ingested[t]
	return ok
}

// BuildRow flattens the well-known payload fields next to the raw payload.
func BuildRow(envelope Envelope) (*EventRow, error) {
	payload := map[string]any{}
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}

	row := &EventRow{
		EventID:       envelope.EventID,
		EventType:     string(envelope.EventType),
		AggregateType: string(envelope.AggregateType),
		AggregateID:   envelope.AggregateID,
		OccurredAt:    envelope.OccurredAt.UTC(),
		OrderID:       stringValue(payload, "order_id"),
		LineItemID:    stringValue(payload, "line_item_id"),
		FromStatus:    stringValue(payload, "from"),
		ToStatus:      stringValue(payload, "to"),
		Trigger:       stringValue(payload, "trigger"),
		Flow:          stringValue(payload, "flow"),
		AmountCents:   intValue(payload, "amount_cents"),
	}
	if envelope.Actor != nil && strings.TrimSpace(envelope.Actor.Ref) != "" {
		row.Actor = cbigquery.NullString{StringVal: envelope.Actor.Ref, Valid: true}
	}
	if len(envelope.Payload) > 0 {
		row.Payload = cbigquery.NullJSON{JSONVal: string(envelope.Payload), Valid: true}
	}
	return row, nil
}

func stringValue(payload map[string]any, key string) cbigquery.NullString {
	raw, ok := payload[key].(string)
	if !ok {
		return cbigquery.NullString{}
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return cbigquery.NullString{}
	}
	return cbigquery.NullString{StringVal: trimmed, Valid: true}
}

func intValue(payload map[string]any, key string) cbigquery.NullInt64 {
	raw, ok := payload[key].(float64)
	if !ok {
		return cbigquery.NullInt64{}
	}
	return cbigquery.NullInt64{Int64: int64(raw), Valid: true}
}
