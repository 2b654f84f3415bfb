package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/types"
)

type splitBody struct {
	Quantity    int  `json:"quantity" validate:"gt=0"`
	TargetGroup *int `json:"target_group" validate:"omitempty,gt=0"`
}

type selection struct {
	Quantity int `json:"quantity" validate:"gt=0"`
}

type quoteBody struct {
	Flow  enums.RefundFlow `json:"flow" validate:"required,enum"`
	Items []selection      `json:"items" validate:"required,min=1,dive"`
}

func fieldErrors(t *testing.T, err error) []types.FieldError {
	t.Helper()
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	details, ok := pkgerrors.As(err).Details().([]types.FieldError)
	require.True(t, ok, "details %T", pkgerrors.As(err).Details())
	return details
}

func TestDecodeJSONBodyValidates(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":0}`))
	var body splitBody
	details := fieldErrors(t, DecodeJSONBody(req, &body))
	require.Len(t, details, 1)
	assert.Equal(t, types.FieldError{Field: "quantity", Rule: "gt", Param: "0", Message: "must be greater than 0"}, details[0])
}

func TestDecodeJSONBodyReportsNestedPathsAndEnums(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"flow":"DELIVERY_FEE","items":[{"quantity":1},{"quantity":0}]}`))
	var body quoteBody
	details := fieldErrors(t, DecodeJSONBody(req, &body))
	require.Len(t, details, 2)
	assert.Equal(t, "flow", details[0].Field)
	assert.Equal(t, "enum", details[0].Rule)
	assert.Equal(t, "items[1].quantity", details[1].Field)
}

func TestDecodeJSONBodyReportsTypeMismatch(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":"two"}`))
	var body splitBody
	details := fieldErrors(t, DecodeJSONBody(req, &body))
	require.Len(t, details, 1)
	assert.Equal(t, "quantity", details[0].Field)
	assert.Equal(t, "type", details[0].Rule)
}

func TestDecodeJSONBodyRejectsEmptyTrailingAndOversized(t *testing.T) {
	var body splitBody
	err := DecodeJSONBody(httptest.NewRequest(http.MethodPost, "/", strings.NewReader("")), &body)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = DecodeJSONBody(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":1}{"quantity":2}`)), &body)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	huge := `{"quantity":1,"target_group":` + strings.Repeat("1", int(MaxBodyBytes)) + `}`
	err = DecodeJSONBody(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(huge)), &body)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Equal(t, map[string]any{"max_bytes": MaxBodyBytes}, pkgerrors.As(err).Details())
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":1,"qty":2}`))
	var body splitBody
	err := DecodeJSONBody(req, &body)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func withParam(req *http.Request, key, value string) *http.Request {
	rc := chi.NewRouteContext()
	rc.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func TestParseUUIDParam(t *testing.T) {
	id := uuid.New()
	got, err := ParseUUIDParam(withParam(httptest.NewRequest(http.MethodGet, "/", nil), "orderId", id.String()), "orderId")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ParseUUIDParam(withParam(httptest.NewRequest(http.MethodGet, "/", nil), "orderId", "nope"), "orderId")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestParseIntParam(t *testing.T) {
	got, err := ParseIntParam(withParam(httptest.NewRequest(http.MethodGet, "/", nil), "groupNumber", "3"), "groupNumber", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	_, err = ParseIntParam(withParam(httptest.NewRequest(http.MethodGet, "/", nil), "groupNumber", "0"), "groupNumber", 1)
	assert.Error(t, err)
}

func TestSanitizeTextKeepsWholeCharacters(t *testing.T) {
	assert.Equal(t, "반품 요청", SanitizeText("  반품 요청합니다 ", 5))
	assert.Equal(t, "ok", SanitizeText(" ok ", 0))
}

func TestParsePagination(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=10&cursor=abc", nil)
	params, err := ParsePagination(req)
	require.NoError(t, err)
	assert.Equal(t, 10, params.Limit)
	assert.Equal(t, "abc", params.Cursor)

	params, err = ParsePagination(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Zero(t, params.Limit)

	_, err = ParsePagination(httptest.NewRequest(http.MethodGet, "/?limit=-1", nil))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestParseQueryBool(t *testing.T) {
	value, err := ParseQueryBool(httptest.NewRequest(http.MethodGet, "/?include_payload=true", nil), "include_payload", false)
	require.NoError(t, err)
	assert.True(t, value)

	value, err = ParseQueryBool(httptest.NewRequest(http.MethodGet, "/", nil), "include_payload", false)
	require.NoError(t, err)
	assert.False(t, value)

	_, err = ParseQueryBool(httptest.NewRequest(http.MethodGet, "/?include_payload=maybe", nil), "include_payload", false)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
