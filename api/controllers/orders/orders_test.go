package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-backoffice/internal/groups"
	"github.com/angelmondragon/fulfillment-backoffice/internal/lineitems"
	"github.com/angelmondragon/fulfillment-backoffice/internal/reconcile"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
)

type stubOrderStore struct {
	placed *lineitems.PlaceOrderInput
	view   *lineitems.OrderView
	err    error
}

func (s *stubOrderStore) PlaceOrder(ctx context.Context, input lineitems.PlaceOrderInput) (*lineitems.OrderView, error) {
	s.placed = &input
	return s.view, s.err
}

func (s *stubOrderStore) GetOrder(ctx context.Context, orderID uuid.UUID) (*lineitems.OrderView, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.view, nil
}

type stubReconciler struct {
	orders []uuid.UUID
	report *reconcile.Report
	err    error
}

func (s *stubReconciler) Reconcile(ctx context.Context, orderID uuid.UUID) (*reconcile.Report, error) {
	s.orders = append(s.orders, orderID)
	if s.err != nil {
		return nil, s.err
	}
	if s.report == nil {
		return &reconcile.Report{}, nil
	}
	return s.report, nil
}

type stubTracker struct {
	input fulfillment.GroupTrackingInput
	err   error
}

func (s *stubTracker) AssignGroupTracking(ctx context.Context, input fulfillment.GroupTrackingInput) ([]fulfillment.Result, error) {
	s.input = input
	if s.err != nil {
		return nil, s.err
	}
	return []fulfillment.Result{{OrderID: input.OrderID, GroupNumber: input.GroupNumber}}, nil
}

type stubMerger struct {
	input groups.MergeInput
}

func (s *stubMerger) Merge(ctx context.Context, input groups.MergeInput) (*groups.MergeResult, error) {
	s.input = input
	return &groups.MergeResult{OrderID: input.OrderID, TargetGroup: input.TargetGroup, Moved: input.LineItemIDs}, nil
}

func serve(method, pattern, target, body string, h http.HandlerFunc) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	router.MethodFunc(method, pattern, h)
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload.Error.Code
}

func TestPlaceCreatesOrder(t *testing.T) {
	orderID := uuid.New()
	store := &stubOrderStore{view: &lineitems.OrderView{Order: models.Order{ID: orderID}}}
	body := `{"buyer_ref":"b-1","provider_payment_id":"pay-1","items":[{"product_ref":"p-1","quantity":2,"unit_price_cents":1000,"payment_amount_cents":2000}]}`

	rec := serve(http.MethodPost, "/api/v1/orders", "/api/v1/orders", body, Place(store, nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if store.placed == nil || store.placed.Items[0].Quantity != 2 {
		t.Fatalf("expected input forwarded, got %+v", store.placed)
	}
}

func TestPlaceRejectsMissingItems(t *testing.T) {
	store := &stubOrderStore{}
	rec := serve(http.MethodPost, "/api/v1/orders", "/api/v1/orders", `{"buyer_ref":"b-1","provider_payment_id":"pay-1","items":[]}`, Place(store, nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if store.placed != nil {
		t.Fatalf("service should not be called")
	}
}

func TestLineItemsReconcilesBeforeListing(t *testing.T) {
	orderID := uuid.New()
	store := &stubOrderStore{view: &lineitems.OrderView{Order: models.Order{ID: orderID}}}
	rec := &stubReconciler{}

	resp := serve(http.MethodGet, "/api/v1/orders/{orderId}/line-items", "/api/v1/orders/"+orderID.String()+"/line-items", "", LineItems(store, rec, nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if len(rec.orders) != 1 || rec.orders[0] != orderID {
		t.Fatalf("expected reconcile scoped to order, got %v", rec.orders)
	}
}

func TestLineItemsStillReturnsWhenReconcileFails(t *testing.T) {
	orderID := uuid.New()
	store := &stubOrderStore{view: &lineitems.OrderView{Order: models.Order{ID: orderID}}}
	rec := &stubReconciler{err: errors.New("carrier down")}

	resp := serve(http.MethodGet, "/api/v1/orders/{orderId}/line-items", "/api/v1/orders/"+orderID.String()+"/line-items", "", LineItems(store, rec, nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
}

func TestLineItemsRejectsBadOrderID(t *testing.T) {
	resp := serve(http.MethodGet, "/api/v1/orders/{orderId}/line-items", "/api/v1/orders/nope/line-items", "", LineItems(&stubOrderStore{}, nil, nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
}

func TestReconcileWholeScopeAndSingleOrder(t *testing.T) {
	rec := &stubReconciler{report: &reconcile.Report{Candidates: 3, Lookups: 2, Transitions: 1}}

	resp := serve(http.MethodPost, "/api/v1/reconcile", "/api/v1/reconcile", "", Reconcile(rec, nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	var envelope struct {
		Data reconcile.Report `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data.Lookups != 2 || envelope.Data.Transitions != 1 {
		t.Fatalf("unexpected report %+v", envelope.Data)
	}

	orderID := uuid.New()
	serve(http.MethodPost, "/api/v1/reconcile", "/api/v1/reconcile", `{"order_id":"`+orderID.String()+`"}`, Reconcile(rec, nil))
	if rec.orders[0] != uuid.Nil || rec.orders[1] != orderID {
		t.Fatalf("unexpected scopes %v", rec.orders)
	}
}

func TestGroupTrackingForwardsPathAndBody(t *testing.T) {
	orderID := uuid.New()
	tracker := &stubTracker{}
	resp := serve(http.MethodPost, "/api/v1/orders/{orderId}/groups/{groupNumber}/tracking",
		"/api/v1/orders/"+orderID.String()+"/groups/2/tracking", `{"courier":"CJ","tracking":"T-100"}`, GroupTracking(tracker, nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
	if tracker.input.OrderID != orderID || tracker.input.GroupNumber != 2 || tracker.input.Tracking != "T-100" {
		t.Fatalf("unexpected input %+v", tracker.input)
	}
}

func TestGroupTrackingSurfacesRuleViolation(t *testing.T) {
	tracker := &stubTracker{err: pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonIllegalTransition, "not allowed")}
	resp := serve(http.MethodPost, "/api/v1/orders/{orderId}/groups/{groupNumber}/tracking",
		"/api/v1/orders/"+uuid.NewString()+"/groups/1/tracking", `{"courier":"CJ","tracking":"T-1","trigger":"`+string(enums.TriggerAdmin)+`"}`, GroupTracking(tracker, nil))

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", resp.Code)
	}
	if code := errorCode(t, resp); code != string(pkgerrors.CodeStateConflict) {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestMergeUsesPathGroup(t *testing.T) {
	merger := &stubMerger{}
	orderID := uuid.New()
	itemID := uuid.New()
	resp := serve(http.MethodPost, "/api/v1/orders/{orderId}/groups/{groupNumber}/merge",
		"/api/v1/orders/"+orderID.String()+"/groups/1/merge", `{"line_item_ids":["`+itemID.String()+`"]}`, Merge(merger, nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
	if merger.input.TargetGroup != 1 || merger.input.LineItemIDs[0] != itemID {
		t.Fatalf("unexpected input %+v", merger.input)
	}
}

func TestMergeRejectsGroupZero(t *testing.T) {
	resp := serve(http.MethodPost, "/api/v1/orders/{orderId}/groups/{groupNumber}/merge",
		"/api/v1/orders/"+uuid.NewString()+"/groups/0/merge", `{"line_item_ids":["`+uuid.NewString()+`"]}`, Merge(&stubMerger{}, nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
}
