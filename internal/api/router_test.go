package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/workqueue/internal/api"
	"github.com/notifyhub/workqueue/internal/api/handler"
	"github.com/notifyhub/workqueue/internal/domain"
	"github.com/notifyhub/workqueue/internal/metrics"
	"github.com/notifyhub/workqueue/internal/producer"
	"github.com/notifyhub/workqueue/internal/repository"
)


type mockBroker struct {
	mu        sync.Mutex
	connected bool
	failAfter int // publishes accepted before every later one fails; <0 = never
	published []string
	depth     int
}

func (m *mockBroker) Publish(_ context.Context, _ string, item domain.WorkItem, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected || (m.failAfter >= 0 && len(m.published) >= m.failAfter) {
		return domain.ErrNotConnected
	}
	m.published = append(m.published, item.Text())
	m.depth++
	return nil
}

func (m *mockBroker) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockBroker) State() domain.ConnectionState {
	if m.Connected() {
		return domain.StateConnected
	}
	return domain.StateBackingOff
}

func (m *mockBroker) QueueStatus(_ context.Context, queue string) (domain.QueueStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return domain.QueueStatus{}, domain.ErrNotConnected
	}
	return domain.QueueStatus{Name: queue, Messages: m.depth, Consumers: 1}, nil
}


var limits = handler.BurstLimits{DefaultCount: 50, Max: 1000, Preview: 5}

func newServer(t *testing.T, b *mockBroker) (*httptest.Server, *repository.MemoryLedger) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	onPublished, onFailed := m.PublishHooks()

	ledger := repository.NewMemoryLedger()
	prod := producer.New(b, domain.DefaultQueueName, nil, ledger, zap.NewNop(), producer.Hooks{
		OnPublished: onPublished,
		OnFailed:    onFailed,
	})
	srv := httptest.NewServer(api.NewRouter(prod, b, ledger, domain.DefaultQueueName, limits, reg, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv, ledger
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp, decode(t, resp)
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}


func TestPublish_DefaultLabel(t *testing.T) {
	srv, _ := newServer(t, &mockBroker{connected: true, failAfter: -1})

	resp, body := post(t, srv.URL+"/publish", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["success"] != true || body["message"] != "Work item 0" {
		t.Errorf("body = %v", body)
	}
	if id, _ := body["id"].(string); id == "" {
		t.Error("expected an item id")
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("expected a correlation id header")
	}
}

func TestPublish_CustomMessage(t *testing.T) {
	b := &mockBroker{connected: true, failAfter: -1}
	srv, _ := newServer(t, b)

	resp, body := post(t, srv.URL+"/publish", `{"message":"resize image 42"}`)
	if resp.StatusCode != http.StatusOK || body["message"] != "resize image 42" {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if len(b.published) != 1 || b.published[0] != "resize image 42" {
		t.Errorf("published = %v", b.published)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	srv, _ := newServer(t, &mockBroker{failAfter: -1})

	resp, body := post(t, srv.URL+"/publish", `{}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if body["success"] != false || body["error"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestPublish_InvalidJSON(t *testing.T) {
	srv, _ := newServer(t, &mockBroker{connected: true, failAfter: -1})

	resp, _ := post(t, srv.URL+"/publish", `{"message":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBurst_DefaultCount(t *testing.T) {
	b := &mockBroker{connected: true, failAfter: -1}
	srv, _ := newServer(t, b)

	resp, body := post(t, srv.URL+"/burst", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["count"] != float64(50) {
		t.Errorf("count = %v, want 50", body["count"])
	}
	msgs, _ := body["messages"].([]any)
	want := []string{
		"Burst message 1/50", "Burst message 2/50", "Burst message 3/50",
		"Burst message 4/50", "Burst message 5/50",
	}
	if len(msgs) != len(want) {
		t.Fatalf("messages = %v", msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("messages[%d] = %v, want %s", i, msgs[i], want[i])
		}
	}
	if len(b.published) != 50 {
		t.Errorf("broker received %d items, want 50", len(b.published))
	}
}

func TestBurst_Validation(t *testing.T) {
	srv, _ := newServer(t, &mockBroker{connected: true, failAfter: -1})

	for _, body := range []string{`{"count":-1}`, `{"count":1001}`} {
		resp, _ := post(t, srv.URL+"/burst", body)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("%s: status = %d, want 422", body, resp.StatusCode)
		}
	}
}

func TestBurst_AbortedReportsProgress(t *testing.T) {
	srv, _ := newServer(t, &mockBroker{connected: true, failAfter: 3})

	resp, body := post(t, srv.URL+"/burst", `{"count":10}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if body["published"] != float64(3) || body["requested"] != float64(10) {
		t.Errorf("body = %v", body)
	}
}

func TestHealthAndReady(t *testing.T) {
	b := &mockBroker{failAfter: -1}
	srv, _ := newServer(t, b)

	resp, body := get(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["connected"] != false {
		t.Errorf("health while disconnected: %d %v", resp.StatusCode, body)
	}
	if body["state"] != "backing-off" {
		t.Errorf("state = %v", body["state"])
	}
	resp, _ = get(t, srv.URL+"/ready")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready while disconnected: %d, want 503", resp.StatusCode)
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	_, body = get(t, srv.URL+"/health")
	if body["connected"] != true || body["state"] != "connected" {
		t.Errorf("health while connected: %v", body)
	}
	resp, _ = get(t, srv.URL+"/ready")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready while connected: %d, want 200", resp.StatusCode)
	}
}

func TestQueueStatusAndItems(t *testing.T) {
	srv, _ := newServer(t, &mockBroker{connected: true, failAfter: -1})

	_, pub := post(t, srv.URL+"/publish", "")
	post(t, srv.URL+"/publish", "")

	resp, body := get(t, srv.URL+"/queue-status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["queue"] != domain.DefaultQueueName || body["queueSize"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	ledger, _ := body["ledger"].(map[string]any)
	if ledger["published"] != float64(2) {
		t.Errorf("ledger = %v", ledger)
	}

	resp, item := get(t, srv.URL+"/items/"+pub["id"].(string))
	if resp.StatusCode != http.StatusOK || item["payload"] != "Work item 0" {
		t.Errorf("item: %d %v", resp.StatusCode, item)
	}

	resp, _ = get(t, srv.URL+"/items/does-not-exist")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing item: %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newServer(t, &mockBroker{connected: true, failAfter: -1})
	post(t, srv.URL+"/publish", "")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "workqueue_items_published_total 1") {
		t.Errorf("scrape does not report the publish:\n%s", buf.String())
	}
}
