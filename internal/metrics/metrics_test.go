package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/energizer-project/relay/internal/fragment"
	"github.com/energizer-project/relay/internal/priority"
)

func TestCountersAndWatchers(t *testing.T) {
	m := New()
	m.FramesIn.WithLabelValues("latency").Inc()
	m.FramesIn.WithLabelValues("latency").Inc()
	m.ObserveDispatch("latency", time.Millisecond, 1)

	if got := testutil.ToFloat64(m.FramesIn.WithLabelValues("latency")); got != 2 {
		t.Errorf("frames_in = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HandlerFailures.WithLabelValues("latency")); got != 1 {
		t.Errorf("handler_failures = %v, want 1", got)
	}

	m.WatchQueue("ingress", func() priority.Stats { return priority.Stats{Count: 5, Evicted: 2} })
	m.WatchClients(func() int { return 3 })
	m.WatchFragments(func() fragment.ReassemblerStats { return fragment.ReassemblerStats{Open: 1, Completed: 4} })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`relay_queue_depth{queue="ingress"} 5`,
		`relay_queue_evicted_total{queue="ingress"} 2`,
		`relay_clients_connected 3`,
		`relay_fragment_sessions_open 1`,
		`relay_fragment_completed_total 4`,
		`relay_ingress_frames_total{type="latency"} 2`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestEachInstanceHasItsOwnRegistry(t *testing.T) {
	a, b := New(), New()
	a.MalformedFrames.Inc()
	if testutil.ToFloat64(b.MalformedFrames) != 0 {
		t.Error("metrics leaked between instances")
	}
}
