package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineItemStatusClassification(t *testing.T) {
	terminal := map[LineItemStatus]bool{
		LineItemStatusCancelComplete:   true,
		LineItemStatusReturnComplete:   true,
		LineItemStatusExchangeComplete: true,
	}
	for _, status := range LineItemStatuses() {
		assert.True(t, status.IsValid(), status)
		assert.Equal(t, terminal[status], status.IsTerminal(), status)
	}
	assert.Len(t, LineItemStatuses(), 16)
	assert.True(t, LineItemStatusShipping.IsShipped())
	assert.False(t, LineItemStatusHold.IsShipped())
	assert.True(t, LineItemStatusExchangeGet.IsReturnOrExchange())
	assert.False(t, LineItemStatusCancelApply.IsReturnOrExchange())
}

func TestParseLineItemStatus(t *testing.T) {
	status, err := ParseLineItemStatus("SHIPPINGING")
	require.NoError(t, err)
	assert.Equal(t, LineItemStatusShipping, status)

	_, err = ParseLineItemStatus("shippinging")
	assert.Error(t, err)
}

func TestNormalizeShipmentState(t *testing.T) {
	cases := map[string]ShipmentState{
		"delivered":        ShipmentStateDelivered,
		"Picked-Up":        ShipmentStatePickedUp,
		"in transit":       ShipmentStateInTransit,
		"OUT_FOR_DELIVERY": ShipmentStateInTransit,
		"":                 ShipmentStateUnknown,
		"lost":             ShipmentStateUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeShipmentState(raw), raw)
	}
}

func TestParseCouponTypeDefaultsToNone(t *testing.T) {
	ct, err := ParseCouponType("")
	require.NoError(t, err)
	assert.Equal(t, CouponTypeNone, ct)

	_, err = ParseCouponType("BOGO")
	assert.Error(t, err)
}

func TestParseOutboxDLQErrorReason(t *testing.T) {
	reason, err := ParseOutboxDLQErrorReason(" Non_Retryable ")
	require.NoError(t, err)
	assert.Equal(t, OutboxDLQReasonNonRetryable, reason)

	_, err = ParseOutboxDLQErrorReason("timeout")
	assert.Error(t, err)
}
