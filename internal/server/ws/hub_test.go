package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/dealbroker/internal/cache/local"
	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/server/middleware"
)

func startHub(t *testing.T, bus *local.EventBus) *httptest.Server {
	t.Helper()
	authorize := func(_ context.Context, userID, transactionID string) error {
		if transactionID == "txn-secret" {
			return domain.Errorf(domain.ErrUnauthorized, "user %s is not a party to %s", userID, transactionID)
		}
		return nil
	}
	hub := NewHub(bus, authorize, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(middleware.Actor(http.HandlerFunc(hub.HandleWS)))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if user != "" {
		header.Set(middleware.UserIDHeader, user)
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("frame type = %d, want binary", kind)
	}
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return s.AsMap()
}

func publish(t *testing.T, bus *local.EventBus, ev domain.TransactionEvent) {
	t.Helper()
	data, _ := json.Marshal(ev)
	if err := bus.Publish(context.Background(), domain.TransactionChannel(ev.TransactionID), data); err != nil {
		t.Fatal(err)
	}
}

func TestHubReplaysThenStreams(t *testing.T) {
	bus := local.NewEventBus()
	srv := startHub(t, bus)
	publish(t, bus, domain.TransactionEvent{Type: domain.EventStatusChanged, TransactionID: "txn-1", Status: domain.StatusAgreement})

	conn := dial(t, srv, "buyer-1")
	if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Transactions: []string{"txn-1"}}); err != nil {
		t.Fatal(err)
	}

	past := readFrame(t, conn)
	if past["status"] != string(domain.StatusAgreement) {
		t.Fatalf("replayed frame = %v", past)
	}
	if ack := readFrame(t, conn); ack["type"] != "subscribed" {
		t.Fatalf("ack frame = %v", ack)
	}

	publish(t, bus, domain.TransactionEvent{Type: domain.EventStepCompleted, TransactionID: "txn-1", StepNumber: 1})
	live := readFrame(t, conn)
	if live["type"] != domain.EventStepCompleted || live["step_number"] != float64(1) {
		t.Fatalf("live frame = %v", live)
	}
}

func TestHubRejectsNonParty(t *testing.T) {
	srv := startHub(t, local.NewEventBus())
	conn := dial(t, srv, "outsider")
	if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Transactions: []string{"txn-secret"}}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["kind"] != "Unauthorized" {
		t.Fatalf("frame = %v", frame)
	}
}

func TestHubRequiresIdentity(t *testing.T) {
	srv := startHub(t, local.NewEventBus())
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err == nil {
		t.Fatal("dial without identity succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v", resp)
	}
}
