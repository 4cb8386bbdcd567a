package connector

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/relay/internal/clients"
	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/events"
)

type stubRemote struct{ addr *net.UDPAddr }

func (r stubRemote) Send([]byte) error { return nil }
func (r stubRemote) Key() string       { return "udp://" + r.addr.String() }
func (r stubRemote) Addr() net.Addr    { return r.addr }
func (r stubRemote) Transport() string { return "udp" }
func (r stubRemote) Close() error      { return nil }
func (r stubRemote) Closed() bool      { return false }

type masterStub struct {
	mu       sync.Mutex
	requests []UpdateRequest
	auth     []string
	reply    string
	hits     chan struct{}
}

func newMasterStub(reply string) (*masterStub, *httptest.Server) {
	m := &masterStub{reply: reply, hits: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != updatePath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req UpdateRequest
		json.NewDecoder(r.Body).Decode(&req)
		m.mu.Lock()
		m.requests = append(m.requests, req)
		m.auth = append(m.auth, r.Header.Get("Authorization"))
		m.mu.Unlock()
		w.Write([]byte(m.reply))
		m.hits <- struct{}{}
	}))
	return m, srv
}

func testConfig(gateway string) *config.Config {
	cfg := config.DefaultConfig()
	m := cfg.GetMaster()
	m.Gateway = gateway
	m.Token = "secret"
	m.MaxInstances = 4
	cfg.SetMaster(m)
	return cfg
}

func TestSendUpdate(t *testing.T) {
	stub, srv := newMasterStub(`{"data":{"instances":[]}}`)
	defer srv.Close()

	reg := clients.NewRegistry(0)
	c, _, _ := reg.GetOrCreate(stubRemote{&net.UDPAddr{IP: net.IPv4(192, 168, 1, 2), Port: 4000}}, time.Now())
	c.CompleteHandshake("Unity", "Windows")

	conn := NewMasterConnector(testConfig(srv.URL+"/"), events.NewEventBus(), reg)
	if err := conn.SendUpdate(context.Background()); err != nil {
		t.Fatalf("SendUpdate: %v", err)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.requests) != 1 {
		t.Fatalf("requests = %d", len(stub.requests))
	}
	if stub.auth[0] != "Badger secret" {
		t.Errorf("Authorization = %q", stub.auth[0])
	}
	req := stub.requests[0]
	if req.Port != config.DefaultPort || req.MaxInstances != 4 {
		t.Errorf("request = %+v", req)
	}
	if len(req.Clients) != 1 || req.Clients[0].Remote != "192.168.1.2:4000" ||
		req.Clients[0].Engine != "unity" || req.Clients[0].Platform != "windows" {
		t.Errorf("clients = %+v", req.Clients)
	}
}

func TestSendUpdateMasterError(t *testing.T) {
	_, srv := newMasterStub(`{"error":{"message":"bad token","code":3,"status":401}}`)
	defer srv.Close()

	conn := NewMasterConnector(testConfig(srv.URL), events.NewEventBus(), clients.NewRegistry(0))
	if err := conn.SendUpdate(context.Background()); err == nil {
		t.Fatal("master error not reported")
	}
}

func TestRunOfflineReturnsImmediately(t *testing.T) {
	conn := NewMasterConnector(testConfig(""), events.NewEventBus(), clients.NewRegistry(0))
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("offline Run did not return")
	}
}

func TestRunUpdatesOnLifecycleEvents(t *testing.T) {
	stub, srv := newMasterStub(`{"data":{}}`)
	defer srv.Close()

	bus := events.NewEventBus()
	conn := NewMasterConnector(testConfig(srv.URL), bus, clients.NewRegistry(0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	wait := func() {
		t.Helper()
		select {
		case <-stub.hits:
		case <-time.After(2 * time.Second):
			t.Fatal("no update received")
		}
	}
	wait()
	bus.Emit(ctx, events.Event{Type: events.EventClientHandshaken})
	wait()

	deadline := time.Now().Add(time.Second)
	for !conn.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st := conn.Status(); !st.Connected || st.LastError != "" {
		t.Errorf("status = %+v", st)
	}
}
