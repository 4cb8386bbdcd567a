package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/relay/internal/clients"
	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/connector"
	"github.com/energizer-project/relay/internal/metrics"
	"github.com/energizer-project/relay/internal/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRemote struct{ addr *net.UDPAddr }

func (r stubRemote) Send([]byte) error { return nil }
func (r stubRemote) Key() string       { return "udp://" + r.addr.String() }
func (r stubRemote) Addr() net.Addr    { return r.addr }
func (r stubRemote) Transport() string { return "udp" }
func (r stubRemote) Close() error      { return nil }
func (r stubRemote) Closed() bool      { return false }

type fakeRelay struct {
	reg    *clients.Registry
	kicked map[uint16]string
}

func newFakeRelay(n int) *fakeRelay {
	r := &fakeRelay{reg: clients.NewRegistry(0), kicked: map[uint16]string{}}
	for i := 0; i < n; i++ {
		addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000 + i}
		r.reg.GetOrCreate(stubRemote{addr}, time.Now())
	}
	return r
}

func (r *fakeRelay) Stats() transport.Stats {
	return transport.Stats{Running: true, Uptime: 90 * time.Second, Clients: r.reg.Count()}
}

func (r *fakeRelay) Clients() *clients.Registry { return r.reg }

func (r *fakeRelay) Kick(id uint16, reason string) error {
	c, ok := r.reg.GetByID(id)
	if !ok {
		return fmt.Errorf("client %d: %w", id, transport.ErrUnknownClient)
	}
	r.reg.Remove(c)
	r.kicked[id] = reason
	return nil
}

type fixedMaster connector.Status

func (m fixedMaster) Status() connector.Status { return connector.Status(m) }

func newTestServer(relay Relay, mutate func(*config.APIConfig)) *Server {
	cfg := config.DefaultConfig()
	cfg.API.RateLimitRPS = 0
	if mutate != nil {
		mutate(&cfg.API)
	}
	s := NewServer(cfg, relay, fixedMaster{Gateway: "http://master", Connected: true}, metrics.New())
	gin.SetMode(gin.TestMode)
	return s
}

func do(t *testing.T, h http.Handler, method, path string, header map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
		}
	}
	return rec, body
}

func TestGetStatus(t *testing.T) {
	s := newTestServer(newFakeRelay(2), nil)
	rec, body := do(t, s.Handler(), http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["uptime_sec"] != float64(90) {
		t.Errorf("uptime_sec = %v", body["uptime_sec"])
	}
	relay := body["relay"].(map[string]interface{})
	if relay["clients"] != float64(2) || relay["running"] != true {
		t.Errorf("relay = %v", relay)
	}
	master := body["master"].(map[string]interface{})
	if master["connected"] != true || master["gateway"] != "http://master" {
		t.Errorf("master = %v", master)
	}
}

func TestGetClients(t *testing.T) {
	s := newTestServer(newFakeRelay(3), nil)
	rec, body := do(t, s.Handler(), http.MethodGet, "/api/clients", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["total"] != float64(3) {
		t.Errorf("total = %v", body["total"])
	}
	list := body["clients"].([]interface{})
	for i, raw := range list {
		if id := raw.(map[string]interface{})["id"]; id != float64(i) {
			t.Errorf("clients[%d].id = %v", i, id)
		}
	}
}

func TestGetClient(t *testing.T) {
	s := newTestServer(newFakeRelay(1), nil)
	tests := []struct {
		path string
		code int
	}{
		{"/api/clients/0", http.StatusOK},
		{"/api/clients/7", http.StatusNotFound},
		{"/api/clients/abc", http.StatusBadRequest},
		{"/api/clients/70000", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec, _ := do(t, s.Handler(), http.MethodGet, tt.path, nil); rec.Code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.code)
		}
	}
}

func TestKickClient(t *testing.T) {
	relay := newFakeRelay(2)
	s := newTestServer(relay, nil)

	rec, _ := do(t, s.Handler(), http.MethodDelete, "/api/clients/1?reason=maintenance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("kick = %d", rec.Code)
	}
	if relay.kicked[1] != "maintenance" {
		t.Errorf("kicked = %v", relay.kicked)
	}

	rec, _ = do(t, s.Handler(), http.MethodDelete, "/api/clients/0", nil)
	if rec.Code != http.StatusOK || relay.kicked[0] != kickReason {
		t.Errorf("default reason kick = %d %v", rec.Code, relay.kicked)
	}

	if rec, _ := do(t, s.Handler(), http.MethodDelete, "/api/clients/1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second kick = %d, want 404", rec.Code)
	}
}

func TestKickRequiresToken(t *testing.T) {
	relay := newFakeRelay(1)
	s := newTestServer(relay, func(c *config.APIConfig) { c.Token = "s3cret" })

	tests := []struct {
		name   string
		header map[string]string
		code   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong scheme", map[string]string{"Authorization": "Basic s3cret"}, http.StatusUnauthorized},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}, http.StatusForbidden},
		{"valid", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, s.Handler(), http.MethodDelete, "/api/clients/0", tt.header)
			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
		})
	}

	// Read routes stay open.
	if rec, _ := do(t, s.Handler(), http.MethodGet, "/api/clients", nil); rec.Code != http.StatusOK {
		t.Errorf("GET /api/clients = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(newFakeRelay(0), nil)
	rec, _ := do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output misses the go collector")
	}
}

func TestNoRoute(t *testing.T) {
	s := newTestServer(newFakeRelay(0), nil)
	rec, body := do(t, s.Handler(), http.MethodGet, "/api/nope", nil)
	if rec.Code != http.StatusNotFound || body["error"] == nil {
		t.Errorf("unknown route = %d %v", rec.Code, body)
	}
}

func TestIPWhitelist(t *testing.T) {
	s := newTestServer(newFakeRelay(0), func(c *config.APIConfig) {
		c.IPWhitelist = []string{"10.1.0.0/16"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.RemoteAddr = "10.1.2.3:40000"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("whitelisted = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.RemoteAddr = "192.168.1.1:40000"
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("outsider = %d, want 403", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d refused inside the burst", i)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Error("request past the burst allowed")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("buckets are not per IP")
	}

	now = now.Add(time.Second)
	if !rl.Allow("1.2.3.4") {
		t.Error("bucket did not refill")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"Bearer abc":   "abc",
		"bearer abc":   "abc",
		"Badger abc":   "",
		"Bearerabc":    "",
		"Bearer a b c": "a b c",
	}
	for header, want := range tests {
		if got := extractBearerToken(header); got != want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
