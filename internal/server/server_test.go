package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/dealbroker/internal/cache/local"
	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/platform/sandbox"
	"github.com/alanyoungcy/dealbroker/internal/server/handler"
	"github.com/alanyoungcy/dealbroker/internal/service"
	"github.com/alanyoungcy/dealbroker/internal/settlement"
	"github.com/alanyoungcy/dealbroker/internal/store/memory"
	"github.com/alanyoungcy/dealbroker/internal/webhook"
)

const (
	testAPIKey = "ops-key"
	buyer      = "buyer-1"
	seller     = "seller-1"
)

var webhookSecret = []byte("whsec_test")

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	machine := settlement.NewMachine("test-escrow")
	locker := settlement.NewTxLocker(local.NewLockManager(), time.Minute, time.Second)
	rail := sandbox.NewRail(nil)
	events := settlement.NewPublisher(local.NewEventBus(), nil, logger)
	exec := settlement.NewExecutor(settlement.ExecutorConfig{
		Store: store, Machine: machine, Locker: locker, Rail: rail, Events: events, Logger: logger,
	})
	deals := service.NewDealService(store, machine, locker, exec, sandbox.NewIdentity(), local.NewRateLimiter(), events, logger)
	proc := webhook.NewProcessor(webhook.Config{
		Store:   store,
		Machine: machine,
		Locker:  locker,
		Rail:    rail,
		Events:  events,
		Secrets: map[string][]byte{"payments": webhookSecret},
		Logger:  logger,
	})

	h := Routes(Config{APIKey: testAPIKey}, Handlers{
		Health:       handler.NewHealthHandler(nil, logger),
		Transactions: handler.NewTransactionHandler(deals, nil, logger),
		Webhooks:     handler.NewWebhookHandler(proc, logger),
		Admin:        handler.NewAdminHandler(deals, logger),
	}, nil, nil, logger)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

type call struct {
	method string
	path   string
	user   string
	body   any
	header map[string]string
}

func do(t *testing.T, srv *httptest.Server, c call) (int, map[string]any) {
	t.Helper()
	var body io.Reader
	switch b := c.body.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(c.method, srv.URL+c.path, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestNegotiationOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	code, created := do(t, srv, call{method: http.MethodPost, path: "/api/transactions", user: buyer, body: map[string]any{
		"seller_id":       seller,
		"property_id":     "prop-9",
		"price":           "450000",
		"payment_method":  "fiat",
		"fiat_percentage": 100,
	}})
	if code != http.StatusCreated {
		t.Fatalf("propose status = %d, body = %v", code, created)
	}
	id, _ := created["id"].(string)
	if created["status"] != string(domain.StatusOffer) || id == "" {
		t.Fatalf("created = %v", created)
	}

	tests := []struct {
		name     string
		call     call
		wantCode int
		wantKind string
	}{
		{"anonymous view", call{method: http.MethodGet, path: "/api/transactions/" + id}, http.StatusUnauthorized, "Unauthorized"},
		{"stranger view", call{method: http.MethodGet, path: "/api/transactions/" + id, user: "mallory"}, http.StatusUnauthorized, "Unauthorized"},
		{"unknown deal", call{method: http.MethodGet, path: "/api/transactions/nope", user: buyer}, http.StatusNotFound, "NotFound"},
		{"buyer answers own offer", call{method: http.MethodPost, path: "/api/transactions/" + id + "/respond", user: buyer, body: map[string]any{"action": "accept"}}, http.StatusForbidden, "Forbidden"},
		{"sign before agreement", call{method: http.MethodPost, path: "/api/transactions/" + id + "/signatures", user: buyer, body: map[string]any{"kind": "promissory"}}, http.StatusUnprocessableEntity, "PreconditionFailed"},
		{"bad agreement kind", call{method: http.MethodPost, path: "/api/transactions/" + id + "/signatures", user: buyer, body: map[string]any{"kind": "lease"}}, http.StatusBadRequest, "InvalidInput"},
		{"unknown step type", call{method: http.MethodPost, path: "/api/transactions/" + id + "/steps/WIRE", user: buyer, body: map[string]any{}}, http.StatusBadRequest, "InvalidInput"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := do(t, srv, tc.call)
			if code != tc.wantCode || body["kind"] != tc.wantKind {
				t.Errorf("status = %d kind = %v, want %d %s (body %v)", code, body["kind"], tc.wantCode, tc.wantKind, body)
			}
		})
	}

	code, countered := do(t, srv, call{method: http.MethodPost, path: "/api/transactions/" + id + "/respond", user: seller,
		body: map[string]any{"action": "counter", "price": "470000", "message": "kitchen was renovated"}})
	if code != http.StatusOK || countered["status"] != string(domain.StatusNegotiation) {
		t.Fatalf("counter status = %d, body = %v", code, countered)
	}
	code, accepted := do(t, srv, call{method: http.MethodPost, path: "/api/transactions/" + id + "/respond", user: buyer,
		body: map[string]any{"action": "accept"}})
	if code != http.StatusOK || accepted["status"] != string(domain.StatusAgreement) || accepted["agreed_price"] != "470000" {
		t.Fatalf("accept status = %d, body = %v", code, accepted)
	}

	code, view := do(t, srv, call{method: http.MethodGet, path: "/api/transactions/" + id, user: seller})
	if code != http.StatusOK || view["role"] != string(domain.RoleSeller) {
		t.Fatalf("view status = %d, body = %v", code, view)
	}
	if offers, _ := view["counter_offers"].([]any); len(offers) != 1 {
		t.Errorf("counter_offers = %v", view["counter_offers"])
	}

	code, list := do(t, srv, call{method: http.MethodGet, path: "/api/transactions?status=agreement", user: buyer})
	if txns, _ := list["transactions"].([]any); code != http.StatusOK || len(txns) != 1 {
		t.Errorf("list status = %d, body = %v", code, list)
	}
}

func TestWebhookEndpoint(t *testing.T) {
	srv := newTestServer(t)
	body, sig, err := sandbox.SignedEvent(webhookSecret, domain.EventWalletCreated, "evt-100",
		domain.WalletCreatedData{UserID: buyer, Currency: "USDC", WalletID: "w-1"})
	if err != nil {
		t.Fatal(err)
	}

	code, out := do(t, srv, call{method: http.MethodPost, path: "/api/webhooks/payments", body: body,
		header: map[string]string{"X-Signature": "deadbeef"}})
	if code != http.StatusUnauthorized || out["kind"] != "InvalidSignature" {
		t.Fatalf("bad signature: status = %d, body = %v", code, out)
	}

	for i, wantDup := range []bool{false, true} {
		code, out = do(t, srv, call{method: http.MethodPost, path: "/api/webhooks/payments", body: body,
			header: map[string]string{"X-Signature": sig}})
		if code != http.StatusOK || out["received"] != true || out["duplicate"] != wantDup {
			t.Fatalf("delivery %d: status = %d, body = %v", i, code, out)
		}
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	srv := newTestServer(t)
	code, created := do(t, srv, call{method: http.MethodPost, path: "/api/transactions", user: buyer, body: map[string]any{
		"seller_id": seller, "property_id": "p", "price": "1000", "payment_method": "FIAT", "fiat_percentage": 100,
	}})
	if code != http.StatusCreated {
		t.Fatalf("propose status = %d", code)
	}
	path := "/api/admin/transactions/" + created["id"].(string) + "/fail"

	if code, _ := do(t, srv, call{method: http.MethodPost, path: path, body: map[string]any{"reason": "fraud"}}); code != http.StatusUnauthorized {
		t.Fatalf("without key status = %d", code)
	}
	code, failed := do(t, srv, call{method: http.MethodPost, path: path, body: map[string]any{"reason": "fraud"},
		header: map[string]string{"X-API-Key": testAPIKey}})
	if code != http.StatusOK || failed["status"] != string(domain.StatusFailed) {
		t.Fatalf("with key status = %d, body = %v", code, failed)
	}

	code, list := do(t, srv, call{method: http.MethodGet, path: "/api/admin/webhooks/failed",
		header: map[string]string{"Authorization": "Bearer " + testAPIKey}})
	if code != http.StatusOK || list["events"] == nil {
		t.Fatalf("failed webhooks status = %d, body = %v", code, list)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	code, out := do(t, srv, call{method: http.MethodGet, path: "/api/health"})
	if code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("health = %d %v", code, out)
	}
}
