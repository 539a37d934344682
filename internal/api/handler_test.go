// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/dedup"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/queue"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/segment"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store"
	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/store/memory"
)

// recordingDispatcher records the campaigns it was asked to dispatch.
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) DispatchAsync(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type testServer struct {
	mr        *miniredis.Miniredis
	store     *memory.Store
	customers *queue.Stream
	receipts  *queue.Stream
	dispatch  *recordingDispatcher
	handler   http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := memory.New(nil)
	ts := &testServer{
		mr:        mr,
		store:     s,
		customers: queue.NewStream(rdb, "customerIngest", "customerGroup"),
		receipts:  queue.NewStream(rdb, "deliveryReceipts", "receiptGroup"),
		dispatch:  &recordingDispatcher{},
	}
	h := NewHandler(Deps{
		Store:     s,
		Customers: ts.customers,
		Receipts:  ts.receipts,
		Claims:    dedup.NewFilter(rdb, time.Hour),
		Segments:  segment.NewEvaluator(s, nil),
		Dispatch:  ts.dispatch,
	})
	ts.handler = h.Routes()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func (ts *testServer) seedCustomers(t *testing.T, spends ...float64) {
	t.Helper()
	for i, spend := range spends {
		require.NoError(t, ts.store.InsertCustomer(context.Background(), &models.Customer{
			FirstName:  "F",
			LastName:   "L",
			Email:      string(rune('a'+i)) + "@example.com",
			TotalSpend: spend,
		}))
	}
}

// TestCreateCustomerQueues verifies that a valid customer is queued on the
// ingest stream with a 202 and that a second submission is rejected.
func TestCreateCustomerQueues(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{
		"firstName":  "Ada",
		"lastName":   "Lovelace",
		"email":      " Ada@Example.com ",
		"totalSpend": 120.5,
		"visits":     3,
	}

	rr := ts.do(t, http.MethodPost, "/api/customers", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decode[map[string]string](t, rr)
	assert.NotEmpty(t, resp["streamId"])

	n, err := ts.customers.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rr = ts.do(t, http.MethodPost, "/api/customers", body)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

// TestCreateCustomerRejects verifies the 400 and 409 paths.
func TestCreateCustomerRejects(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCustomers(t, 10)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing email", map[string]any{"firstName": "A", "lastName": "B"}, http.StatusBadRequest},
		{"negative spend", map[string]any{"firstName": "A", "lastName": "B", "email": "x@y.io", "totalSpend": -1}, http.StatusBadRequest},
		{"malformed body", "not an object", http.StatusBadRequest},
		{"already stored", map[string]any{"firstName": "A", "lastName": "B", "email": "A@example.com"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/api/customers", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}

	n, err := ts.customers.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestListAndGetCustomers verifies pagination and lookup.
func TestListAndGetCustomers(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCustomers(t, 1, 2, 3)

	rr := ts.do(t, http.MethodGet, "/api/customers?page=2&limit=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[struct {
		Customers   []models.Customer `json:"customers"`
		TotalPages  int               `json:"totalPages"`
		CurrentPage int               `json:"currentPage"`
		Total       int               `json:"total"`
	}](t, rr)
	assert.Len(t, resp.Customers, 1)
	assert.Equal(t, 2, resp.TotalPages)
	assert.Equal(t, 2, resp.CurrentPage)
	assert.Equal(t, 3, resp.Total)

	rr = ts.do(t, http.MethodGet, "/api/customers/"+resp.Customers[0].ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, http.MethodGet, "/api/customers/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// TestUpdateCustomer verifies that aggregates can be edited and feed
// segment evaluation, while the email stays fixed.
func TestUpdateCustomer(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCustomers(t, 100)
	c, err := ts.store.GetCustomerByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)

	rr := ts.do(t, http.MethodPut, "/api/customers/"+c.ID, map[string]any{
		"totalSpend": 900,
		"visits":     7,
		"phone":      "+15550100",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := decode[models.Customer](t, rr)
	assert.Equal(t, 900.0, got.TotalSpend)
	assert.Equal(t, 7, got.Visits)
	assert.Equal(t, "F", got.FirstName)
	assert.Equal(t, "a@example.com", got.Email)

	stored, err := ts.store.GetCustomer(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 900.0, stored.TotalSpend)
	assert.Equal(t, "+15550100", stored.Phone)

	rules := map[string]any{
		"conditions": []map[string]any{{"field": "totalSpend", "operator": ">=", "value": 500}},
	}
	rr = ts.do(t, http.MethodPost, "/api/segment/preview", map[string]any{"rules": rules})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, decode[map[string]int](t, rr)["count"])

	rr = ts.do(t, http.MethodPut, "/api/customers/"+c.ID, map[string]any{"email": " A@Example.com "})
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, http.MethodPut, "/api/customers/"+c.ID, map[string]any{"email": "b@example.com"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = ts.do(t, http.MethodPut, "/api/customers/"+c.ID, map[string]any{"visits": -1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = ts.do(t, http.MethodPut, "/api/customers/missing", map[string]any{"visits": 1})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// TestDeleteCustomer verifies that a customer with a message in a running
// campaign is kept, and is removed with its logs once the campaign ends.
func TestDeleteCustomer(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	ts.seedCustomers(t, 100)
	c, err := ts.store.GetCustomerByEmail(ctx, "a@example.com")
	require.NoError(t, err)

	camp := &models.Campaign{Name: "c", Message: "m", Status: models.StatusScheduled}
	require.NoError(t, ts.store.CreateCampaign(ctx, camp))
	_, err = ts.store.BeginCampaignRun(ctx, camp.ID)
	require.NoError(t, err)
	l := &models.CommunicationLog{CustomerID: c.ID, CampaignID: camp.ID, Message: "m"}
	require.NoError(t, ts.store.CreateLog(ctx, l))

	rr := ts.do(t, http.MethodDelete, "/api/customers/"+c.ID, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	require.NoError(t, ts.store.SetCampaignStatus(ctx, camp.ID, models.StatusCompleted))
	rr = ts.do(t, http.MethodDelete, "/api/customers/"+c.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodGet, "/api/customers/"+c.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	_, err = ts.store.GetLog(ctx, l.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = ts.store.GetCustomerByEmail(ctx, "a@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rr = ts.do(t, http.MethodDelete, "/api/customers/"+c.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func campaignBody(status string) map[string]any {
	return map[string]any{
		"name":    "spring sale",
		"message": "20% off",
		"status":  status,
		"segmentRules": map[string]any{
			"operator":   "AND",
			"conditions": []map[string]any{{"field": "totalSpend", "operator": ">", "value": 100}},
		},
	}
}

// TestCreateCampaign verifies that drafts are stored and anything else is
// scheduled and dispatched.
func TestCreateCampaign(t *testing.T) {
	tests := []struct {
		status       string
		wantStatus   models.CampaignStatus
		wantDispatch bool
	}{
		{"draft", models.StatusDraft, false},
		{"", models.StatusDraft, false},
		{"scheduled", models.StatusScheduled, true},
		{"in-progress", models.StatusScheduled, true},
	}
	for _, tt := range tests {
		t.Run("status="+tt.status, func(t *testing.T) {
			ts := newTestServer(t)
			body := campaignBody(tt.status)
			if tt.status == "" {
				delete(body, "status")
			}

			rr := ts.do(t, http.MethodPost, "/api/campaigns", body)
			require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
			c := decode[models.Campaign](t, rr)
			assert.Equal(t, tt.wantStatus, c.Status)
			assert.NotEmpty(t, c.ID)

			if tt.wantDispatch {
				assert.Equal(t, []string{c.ID}, ts.dispatch.dispatched())
			} else {
				assert.Empty(t, ts.dispatch.dispatched())
			}
		})
	}
}

// TestCreateCampaignValidation verifies required fields and rule checks.
func TestCreateCampaignValidation(t *testing.T) {
	ts := newTestServer(t)

	noRules := campaignBody("draft")
	delete(noRules, "segmentRules")
	badOperator := campaignBody("draft")
	badOperator["segmentRules"] = map[string]any{
		"conditions": []map[string]any{{"field": "visits", "operator": "~", "value": 1}},
	}
	unknownStatus := campaignBody("paused")

	for name, body := range map[string]map[string]any{
		"no rules":       noRules,
		"bad operator":   badOperator,
		"unknown status": unknownStatus,
	} {
		t.Run(name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/api/campaigns", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
	assert.Empty(t, ts.dispatch.dispatched())
}

// TestUpdateCampaignActivation verifies that moving a draft to scheduled
// dispatches it and that running campaigns cannot be edited.
func TestUpdateCampaignActivation(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/api/campaigns", campaignBody("draft"))
	require.Equal(t, http.StatusCreated, rr.Code)
	c := decode[models.Campaign](t, rr)

	rr = ts.do(t, http.MethodPut, "/api/campaigns/"+c.ID, map[string]any{"message": "25% off"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "25% off", decode[models.Campaign](t, rr).Message)
	assert.Empty(t, ts.dispatch.dispatched())

	rr = ts.do(t, http.MethodPut, "/api/campaigns/"+c.ID, map[string]any{"status": "scheduled"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.StatusScheduled, decode[models.Campaign](t, rr).Status)
	assert.Equal(t, []string{c.ID}, ts.dispatch.dispatched())

	_, err := ts.store.BeginCampaignRun(context.Background(), c.ID)
	require.NoError(t, err)
	rr = ts.do(t, http.MethodPut, "/api/campaigns/"+c.ID, map[string]any{"name": "renamed"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	require.NoError(t, ts.store.SetCampaignStatus(context.Background(), c.ID, models.StatusCompleted))
	rr = ts.do(t, http.MethodPut, "/api/campaigns/"+c.ID, map[string]any{"status": "draft"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodPut, "/api/campaigns/missing", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// TestCampaignReadAndDelete verifies get, list, logs and delete.
func TestCampaignReadAndDelete(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/api/campaigns", campaignBody("draft"))
	require.Equal(t, http.StatusCreated, rr.Code)
	c := decode[models.Campaign](t, rr)

	rr = ts.do(t, http.MethodGet, "/api/campaigns", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, rr)["total"])

	rr = ts.do(t, http.MethodGet, "/api/campaigns/"+c.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, rr)["total"])

	rr = ts.do(t, http.MethodDelete, "/api/campaigns/"+c.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, http.MethodGet, "/api/campaigns/"+c.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = ts.do(t, http.MethodDelete, "/api/campaigns/"+c.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = ts.do(t, http.MethodGet, "/api/campaigns/"+c.ID+"/logs", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// TestSegmentPreview verifies counting and paging of a segment.
func TestSegmentPreview(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCustomers(t, 50, 150, 250, 350)
	rules := map[string]any{
		"conditions": []map[string]any{{"field": "totalSpend", "operator": ">=", "value": 150}},
	}

	rr := ts.do(t, http.MethodPost, "/api/segment/preview", map[string]any{"rules": rules})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 3, decode[map[string]int](t, rr)["count"])

	rr = ts.do(t, http.MethodPost, "/api/segment/customers?limit=2", map[string]any{"rules": rules})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[struct {
		Customers  []models.Customer `json:"customers"`
		TotalPages int               `json:"totalPages"`
		Total      int               `json:"total"`
	}](t, rr)
	assert.Len(t, resp.Customers, 2)
	assert.Equal(t, 2, resp.TotalPages)
	assert.Equal(t, 3, resp.Total)

	bad := map[string]any{"conditions": []map[string]any{{"field": "shoeSize", "operator": ">", "value": 1}}}
	rr = ts.do(t, http.MethodPost, "/api/segment/preview", map[string]any{"rules": bad})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// TestDeliveryReceiptQueues verifies the receipt webhook.
func TestDeliveryReceiptQueues(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.receipts.EnsureGroup(ctx))

	rr := ts.do(t, http.MethodPost, "/api/delivery-receipt", map[string]any{
		"messageId": "log-1",
		"status":    "delivered",
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	msgs, err := ts.receipts.ReadGroup(ctx, "t", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	u, err := models.ParseDeliveryUpdate(msgs[0].Fields)
	require.NoError(t, err)
	assert.Equal(t, "log-1", u.MessageID)
	assert.Equal(t, models.LogDelivered, u.Status)
	assert.False(t, u.DeliveredAt.IsZero())

	rr = ts.do(t, http.MethodPost, "/api/delivery-receipt", map[string]any{"messageId": "log-1", "status": "sent"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = ts.do(t, http.MethodPost, "/api/delivery-receipt", map[string]any{"status": "failed"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// TestHealth verifies the health endpoint reports a Redis outage.
func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	ts.mr.Close()
	rr = ts.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "degraded", decode[map[string]any](t, rr)["status"])
}

// TestMetricsMounted verifies the metrics handler is served when set.
func TestMetricsMounted(t *testing.T) {
	h := NewHandler(Deps{Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})})
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}
