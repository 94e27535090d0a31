package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type received struct {
	payload    Payload
	deliveryID string
	apiKey     string
}

func newReceiver(t *testing.T, status int) (*httptest.Server, func() []received) {
	t.Helper()
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode body: %v", err)
		}
		mu.Lock()
		got = append(got, received{p, r.Header.Get("X-Delivery-ID"), r.Header.Get("x-api-key")})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func noEnv(string) (string, bool) { return "", false }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDispatcher_DeliversInOrder(t *testing.T) {
	srv, got := newReceiver(t, http.StatusOK)
	d, err := New(Config{URL: srv.URL, APIKey: "secret", LookupEnv: noEnv, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for _, dataType := range []string{"qr", "authenticated", "ready"} {
		if !d.Enqueue(Payload{SessionID: "abc", DataType: dataType, Data: map[string]string{"k": "v"}}) {
			t.Fatalf("Enqueue(%s) rejected", dataType)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	deliveries := got()
	if len(deliveries) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(deliveries))
	}
	for i, want := range []string{"qr", "authenticated", "ready"} {
		if deliveries[i].payload.DataType != want {
			t.Errorf("delivery %d: expected %s, got %s", i, want, deliveries[i].payload.DataType)
		}
		if deliveries[i].deliveryID == "" {
			t.Errorf("delivery %d: missing X-Delivery-ID", i)
		}
		if deliveries[i].apiKey != "secret" {
			t.Errorf("delivery %d: expected api key header", i)
		}
	}
	if deliveries[0].deliveryID == deliveries[1].deliveryID {
		t.Error("expected unique delivery ids")
	}
}

func TestDispatcher_DisabledCallbacks(t *testing.T) {
	srv, got := newReceiver(t, http.StatusOK)
	d, _ := New(Config{URL: srv.URL, DisabledCallbacks: []string{"message", " qr "}, LookupEnv: noEnv, Logger: quietLogger()})

	if d.Enqueue(Payload{SessionID: "abc", DataType: "qr"}) {
		t.Error("expected qr to be skipped")
	}
	if d.Enqueue(Payload{SessionID: "abc", DataType: "message"}) {
		t.Error("expected message to be skipped")
	}
	d.Enqueue(Payload{SessionID: "abc", DataType: "ready"})
	d.Close(context.Background())

	if deliveries := got(); len(deliveries) != 1 || deliveries[0].payload.DataType != "ready" {
		t.Errorf("unexpected deliveries %+v", deliveries)
	}
}

func TestDispatcher_PerSessionURL(t *testing.T) {
	base, baseGot := newReceiver(t, http.StatusOK)
	special, specialGot := newReceiver(t, http.StatusOK)
	env := map[string]string{"VIP_WEBHOOK_URL": special.URL}
	d, _ := New(Config{
		URL:       base.URL,
		LookupEnv: func(k string) (string, bool) { v, ok := env[k]; return v, ok },
		Logger:    quietLogger(),
	})

	d.Enqueue(Payload{SessionID: "vip", DataType: "ready"})
	d.Enqueue(Payload{SessionID: "other", DataType: "ready"})
	d.Close(context.Background())

	if len(specialGot()) != 1 || specialGot()[0].payload.SessionID != "vip" {
		t.Errorf("expected vip delivery on its own endpoint, got %+v", specialGot())
	}
	if len(baseGot()) != 1 || baseGot()[0].payload.SessionID != "other" {
		t.Errorf("expected other delivery on base endpoint, got %+v", baseGot())
	}
}

func TestDispatcher_NoURLSkips(t *testing.T) {
	d, _ := New(Config{LookupEnv: noEnv, Logger: quietLogger()})
	if d.Enqueue(Payload{SessionID: "abc", DataType: "ready"}) {
		t.Error("expected skip without endpoint")
	}
	d.Close(context.Background())
}

func TestDispatcher_FailedDeliveryDoesNotStopWorker(t *testing.T) {
	srv, got := newReceiver(t, http.StatusInternalServerError)
	d, _ := New(Config{URL: srv.URL, LookupEnv: noEnv, Logger: quietLogger()})
	d.Enqueue(Payload{SessionID: "abc", DataType: "qr"})
	d.Enqueue(Payload{SessionID: "abc", DataType: "ready"})
	d.Close(context.Background())

	if len(got()) != 2 {
		t.Errorf("expected both deliveries attempted, got %d", len(got()))
	}
}

func TestDispatcher_CloseTwice(t *testing.T) {
	d, _ := New(Config{LookupEnv: noEnv, Logger: quietLogger()})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := d.Close(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if d.Enqueue(Payload{SessionID: "abc", DataType: "ready"}) {
		t.Error("expected enqueue after close to fail")
	}
}

func TestNew_InvalidURL(t *testing.T) {
	if _, err := New(Config{URL: "not a url"}); err == nil {
		t.Fatal("expected error for invalid url")
	}
}
