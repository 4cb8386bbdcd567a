package fragment

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/energizer-project/relay/internal/protocol"
)

func payloadOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

// feed applies one splitter segment to the reassembler the way the fragment
// handler does.
func feed(t *testing.T, r *Reassembler, sender string, seg Segment) (Message, error) {
	t.Helper()
	b := protocol.WrapBuffer(seg.Payload)
	switch seg.Type {
	case protocol.MsgFragmentStart:
		st, err := ParseStart(b)
		if err != nil {
			t.Fatalf("ParseStart: %v", err)
		}
		return Message{}, r.Begin(sender, st)
	case protocol.MsgFragmentData:
		d, err := ParseData(b)
		if err != nil {
			t.Fatalf("ParseData: %v", err)
		}
		return Message{}, r.Add(sender, d)
	case protocol.MsgFragmentEnd:
		id, err := ParseSessionID(b)
		if err != nil {
			t.Fatalf("ParseSessionID: %v", err)
		}
		return r.Finish(sender, id)
	}
	t.Fatalf("unexpected segment type %v", seg.Type)
	return Message{}, nil
}

func TestSplitLayout(t *testing.T) {
	s := NewSplitter(1000)
	segs, err := s.Split(payloadOf(3000), protocol.MsgCustom, 42)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(segs) != 5 {
		t.Fatalf("got %d segments, want 5 (start, 3 data, end)", len(segs))
	}
	if segs[0].Type != protocol.MsgFragmentStart || segs[4].Type != protocol.MsgFragmentEnd {
		t.Fatalf("bad framing types: %v ... %v", segs[0].Type, segs[4].Type)
	}

	st, err := ParseStart(protocol.WrapBuffer(segs[0].Payload))
	if err != nil {
		t.Fatalf("ParseStart: %v", err)
	}
	if st.SegmentCount != 3 || st.TotalSize != 3000 || st.Type != protocol.MsgCustom || st.Correlation != 42 {
		t.Errorf("start = %+v", st)
	}

	for i, seg := range segs[1:4] {
		d, err := ParseData(protocol.WrapBuffer(seg.Payload))
		if err != nil {
			t.Fatalf("ParseData: %v", err)
		}
		if d.SessionID != st.SessionID || int(d.Index) != i || len(d.Segment) != 1000 {
			t.Errorf("data %d = id %d index %d len %d", i, d.SessionID, d.Index, len(d.Segment))
		}
	}
}

func TestSplitSessionIDsIncreaseAndWrap(t *testing.T) {
	s := NewSplitter(100)
	s.next.Store(65535)
	if id := s.NextSessionID(); id != 65535 {
		t.Fatalf("first id = %d, want 65535", id)
	}
	if id := s.NextSessionID(); id != 0 {
		t.Fatalf("wrapped id = %d, want 0", id)
	}
	if id := s.NextSessionID(); id != 1 {
		t.Fatalf("next id = %d, want 1", id)
	}
}

func TestSplitRejectsOversizedPayload(t *testing.T) {
	s := NewSplitter(1000)
	if _, err := s.Split(payloadOf(protocol.MaxPayloadSize+1), protocol.MsgCustom, 0); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if _, err := s.Split(payloadOf(protocol.MaxPayloadSize), protocol.MsgCustom, 0); err != nil {
		t.Fatalf("max payload should split: %v", err)
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	original := payloadOf(3000)
	segs, err := NewSplitter(1000).Split(original, protocol.MsgCustom, 9)
	if err != nil {
		t.Fatal(err)
	}
	start, d0, d1, d2, end := segs[0], segs[1], segs[2], segs[3], segs[4]

	r := NewReassembler(time.Minute)
	var msg Message
	for _, seg := range []Segment{start, d0, d2, d1, end} {
		msg, err = feed(t, r, "peer", seg)
		if err != nil {
			t.Fatalf("feed %v: %v", seg.Type, err)
		}
	}
	if !bytes.Equal(msg.Payload, original) {
		t.Fatal("reassembled payload differs from original")
	}
	if msg.Type != protocol.MsgCustom || msg.Correlation != 9 {
		t.Errorf("message = type %v corr %d", msg.Type, msg.Correlation)
	}
	if r.Open() != 0 {
		t.Errorf("Open = %d after completion", r.Open())
	}

	frame, err := msg.Frame()
	if err != nil {
		t.Fatal(err)
	}
	h, err := protocol.ParseHeader(frame)
	if err != nil || h.Type != protocol.MsgCustom || h.Correlation != 9 || int(h.Length) != 3000+protocol.HeaderSize {
		t.Errorf("frame header = %+v, %v", h, err)
	}
}

func TestReassembleLateSegmentAfterEndIgnored(t *testing.T) {
	segs, err := NewSplitter(1000).Split(payloadOf(3000), protocol.MsgCustom, 0)
	if err != nil {
		t.Fatal(err)
	}
	start, d0, d1, d2, end := segs[0], segs[1], segs[2], segs[3], segs[4]

	r := NewReassembler(time.Minute)
	for _, seg := range []Segment{start, d2, d1} {
		if _, err := feed(t, r, "peer", seg); err != nil {
			t.Fatalf("feed %v: %v", seg.Type, err)
		}
	}
	if _, err := feed(t, r, "peer", end); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("end err = %v, want ErrIncomplete", err)
	}
	if _, err := feed(t, r, "peer", d0); !errors.Is(err, ErrClosed) {
		t.Fatalf("late data err = %v, want ErrClosed", err)
	}
	if r.Open() != 0 {
		t.Errorf("late segment reopened a session: Open = %d", r.Open())
	}
	st := r.Stats()
	if st.Failed != 1 || st.Completed != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestReassembleDataBeforeStart(t *testing.T) {
	original := payloadOf(250)
	segs, err := NewSplitter(100).Split(original, protocol.MsgTransform, 3)
	if err != nil {
		t.Fatal(err)
	}

	r := NewReassembler(time.Minute)
	order := []Segment{segs[3], segs[1], segs[0], segs[2], segs[4]}
	var msg Message
	for _, seg := range order {
		if msg, err = feed(t, r, "peer", seg); err != nil {
			t.Fatalf("feed %v: %v", seg.Type, err)
		}
	}
	if !bytes.Equal(msg.Payload, original) {
		t.Fatal("payload mismatch")
	}
}

func TestReassembleSessionsArePerSender(t *testing.T) {
	a := payloadOf(30)
	b := bytes.Repeat([]byte{0xAB}, 30)
	segA, _ := NewSplitter(10).Split(a, protocol.MsgCustom, 0)
	segB, _ := NewSplitter(10).Split(b, protocol.MsgCustom, 0)

	r := NewReassembler(time.Minute)
	for i := range segA[:len(segA)-1] {
		feed(t, r, "alice", segA[i])
		feed(t, r, "bob", segB[i])
	}
	if r.Open() != 2 {
		t.Fatalf("Open = %d, want 2", r.Open())
	}
	gotA, err := feed(t, r, "alice", segA[len(segA)-1])
	if err != nil || !bytes.Equal(gotA.Payload, a) {
		t.Errorf("alice: %v", err)
	}
	gotB, err := feed(t, r, "bob", segB[len(segB)-1])
	if err != nil || !bytes.Equal(gotB.Payload, b) {
		t.Errorf("bob: %v", err)
	}
}

func TestReassembleRejectsIndexBeyondCount(t *testing.T) {
	r := NewReassembler(time.Minute)
	if err := r.Begin("peer", Start{SessionID: 1, SegmentCount: 2, TotalSize: 4}); err != nil {
		t.Fatal(err)
	}
	if err := r.Add("peer", Data{SessionID: 1, Index: 2, Segment: []byte{1, 2}}); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("err = %v, want ErrIndexOutOfRange", err)
	}
}

func TestReassembleStartPrunesEarlyOutOfRangeSegments(t *testing.T) {
	r := NewReassembler(time.Minute)
	r.Add("peer", Data{SessionID: 5, Index: 0, Segment: []byte{1, 2}})
	r.Add("peer", Data{SessionID: 5, Index: 7, Segment: []byte{9, 9}})
	if err := r.Begin("peer", Start{SessionID: 5, SegmentCount: 1, TotalSize: 2, Type: protocol.MsgCustom}); err != nil {
		t.Fatal(err)
	}
	msg, err := r.Finish("peer", 5)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !bytes.Equal(msg.Payload, []byte{1, 2}) {
		t.Errorf("payload = %v", msg.Payload)
	}
}

func TestReassembleSizeMismatchFails(t *testing.T) {
	r := NewReassembler(time.Minute)
	r.Begin("peer", Start{SessionID: 1, SegmentCount: 1, TotalSize: 10})
	r.Add("peer", Data{SessionID: 1, Index: 0, Segment: []byte{1, 2, 3}})
	if _, err := r.Finish("peer", 1); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("err = %v, want ErrIncomplete", err)
	}
}

func TestReassembleInvalidStart(t *testing.T) {
	r := NewReassembler(time.Minute)
	if err := r.Begin("peer", Start{SessionID: 1, SegmentCount: 0}); !errors.Is(err, ErrMalformed) {
		t.Errorf("zero count err = %v", err)
	}
	if err := r.Begin("peer", Start{SessionID: 1, SegmentCount: 1, TotalSize: protocol.MaxPayloadSize + 1}); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversized err = %v", err)
	}
}

func TestFinishUnknownSession(t *testing.T) {
	r := NewReassembler(time.Minute)
	if _, err := r.Finish("peer", 77); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewReassembler(30 * time.Second)
	r.now = func() time.Time { return now }

	r.Begin("peer", Start{SessionID: 1, SegmentCount: 2, TotalSize: 2})
	r.Add("peer", Data{SessionID: 1, Index: 0, Segment: []byte{1}})
	r.Finish("other", 9) // leaves a tombstone

	now = now.Add(20 * time.Second)
	r.Begin("peer", Start{SessionID: 2, SegmentCount: 1, TotalSize: 1})

	now = now.Add(15 * time.Second)
	if n := r.Sweep(); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if r.Open() != 1 {
		t.Errorf("Open = %d, want 1", r.Open())
	}
	if _, ok := r.closed.Load(Key{Sender: "other", SessionID: 9}); ok {
		t.Error("expired tombstone was not forgotten")
	}
	if r.Stats().Expired != 1 {
		t.Errorf("Expired = %d", r.Stats().Expired)
	}
}

func TestDropSender(t *testing.T) {
	r := NewReassembler(time.Minute)
	r.Add("peer", Data{SessionID: 1, Index: 0, Segment: []byte{1}})
	r.Add("peer", Data{SessionID: 2, Index: 0, Segment: []byte{1}})
	r.Add("other", Data{SessionID: 1, Index: 0, Segment: []byte{1}})
	if n := r.Drop("peer"); n != 2 {
		t.Fatalf("Drop = %d, want 2", n)
	}
	if r.Open() != 1 {
		t.Errorf("Open = %d, want 1", r.Open())
	}
}

func TestParseRejectsShortPayloads(t *testing.T) {
	if _, err := ParseStart(protocol.WrapBuffer(make([]byte, 10))); !errors.Is(err, ErrMalformed) {
		t.Error("short start accepted")
	}
	data := EncodeData(Data{SessionID: 1, Index: 0, Segment: []byte{1, 2, 3}})
	if _, err := ParseData(protocol.WrapBuffer(data[:len(data)-1])); !errors.Is(err, ErrMalformed) {
		t.Error("truncated data accepted")
	}
	if _, err := ParseSessionID(protocol.WrapBuffer([]byte{1})); !errors.Is(err, ErrMalformed) {
		t.Error("short end accepted")
	}
}

func TestAbortClosesSession(t *testing.T) {
	r := NewReassembler(time.Minute)
	if err := r.Add("peer", Data{SessionID: 4, Index: 0, Segment: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if !r.Abort("peer", 4) {
		t.Fatal("Abort reported no open session")
	}
	if r.Open() != 0 {
		t.Errorf("open = %d after abort", r.Open())
	}
	if err := r.Add("peer", Data{SessionID: 4, Index: 1, Segment: []byte{2}}); !errors.Is(err, ErrClosed) {
		t.Errorf("late segment = %v, want ErrClosed", err)
	}
	if r.Abort("peer", 4) {
		t.Error("second Abort reported an open session")
	}
	if got := r.Stats().Failed; got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}
