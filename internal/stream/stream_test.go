package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Rorqualx/browserstream-go/internal/types"
)

type fakeAcker struct {
	mu      sync.Mutex
	acked   []int
	failErr error
}

func (f *fakeAcker) Ack(sessionID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, sessionID)
	return f.failErr
}

type fakeMarker struct {
	mu     sync.Mutex
	marked bool
}

func (f *fakeMarker) MarkUnhealthy() {
	f.mu.Lock()
	f.marked = true
	f.mu.Unlock()
}

func (f *fakeMarker) isMarked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marked
}

// stuckConn never succeeds in draining - its WriteMessage blocks forever,
// modeling a channel that stays OPEN but whose outbound buffer never
// shrinks, as in the oldest-drop boundary scenario.
type stuckConn struct {
	block chan struct{}
}

func (c *stuckConn) WriteMessage(int, []byte) error {
	<-c.block
	return nil
}

func TestOnFrameDropsOldestOnOverflow(t *testing.T) {
	acker := &fakeAcker{}
	marker := &fakeMarker{}
	p := New("client-1", acker, marker, 10, 0) // bufferWaterM=0: any queued byte exceeds it, so drain always stalls

	conn := &stuckConn{block: make(chan struct{})}
	defer close(conn.block)
	p.SetConn(conn)

	labels := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L"}
	for i, l := range labels {
		p.OnFrame(Frame{Data: []byte(l), SessionID: i + 1})
	}

	stats := p.Stats()
	if stats.Queued != 10 {
		t.Fatalf("expected 10 queued frames, got %d", stats.Queued)
	}
	if stats.Acked != 12 {
		t.Fatalf("expected 12 acks issued, got %d", stats.Acked)
	}
	if stats.Dropped != 2 {
		t.Fatalf("expected 2 dropped frames, got %d", stats.Dropped)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) != 10 {
		t.Fatalf("expected retained queue of 10, got %d", len(p.queue))
	}
	if string(p.queue[0].Data) != "C" {
		t.Fatalf("expected oldest retained frame to be C, got %s", p.queue[0].Data)
	}
	if string(p.queue[len(p.queue)-1].Data) != "L" {
		t.Fatalf("expected newest frame to be L, got %s", p.queue[len(p.queue)-1].Data)
	}
}

func TestOnFrameAlwaysAcksEvenWhenChannelBroken(t *testing.T) {
	acker := &fakeAcker{failErr: errors.New("Session closed.")}
	marker := &fakeMarker{}
	p := New("client-2", acker, marker, 10, 5*1024*1024)

	p.OnFrame(Frame{Data: []byte("x"), SessionID: 1})

	if p.Stats().Acked != 1 {
		t.Fatal("expected ack attempt to be recorded")
	}
	if !marker.isMarked() {
		t.Fatal("expected session to be marked unhealthy on channel-closed ack error")
	}
}

func TestDrainDeliversFramesInOrder(t *testing.T) {
	acker := &fakeAcker{}
	marker := &fakeMarker{}
	p := New("client-3", acker, marker, 10, 5*1024*1024)

	var mu sync.Mutex
	var got []frameEnvelope
	rec := recorderConn{onWrite: func(data []byte) {
		var env frameEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Errorf("frame payload is not a valid envelope: %v", err)
			return
		}
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	}}
	p.SetConn(&rec)

	p.OnFrame(Frame{Data: []byte("1"), SessionID: 1})
	p.OnFrame(Frame{Data: []byte("2"), SessionID: 2})
	p.OnFrame(Frame{Data: []byte("3"), SessionID: 3})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 frames delivered, got %d", len(got))
	}
	for i, env := range got {
		if env.Type != types.MsgFrame {
			t.Fatalf("frame %d has type %q, want %q", i, env.Type, types.MsgFrame)
		}
		if env.SessionID != i+1 {
			t.Fatalf("expected frames delivered in order, got sessionId %d at position %d", env.SessionID, i)
		}
	}
	if string(got[0].Data) != "1" || string(got[2].Data) != "3" {
		t.Fatalf("frame payloads did not round-trip: %q, %q", got[0].Data, got[2].Data)
	}
}

func TestReplaceAckerAndMarkerTakeEffectOnNextFrame(t *testing.T) {
	p := New("client-4", &fakeAcker{}, &fakeMarker{}, 10, 5*1024*1024)

	acker2 := &fakeAcker{}
	marker2 := &fakeMarker{}
	p.ReplaceAcker(acker2)
	p.ReplaceMarker(marker2)

	p.OnFrame(Frame{Data: []byte("x"), SessionID: 7})

	acker2.mu.Lock()
	defer acker2.mu.Unlock()
	if len(acker2.acked) != 1 || acker2.acked[0] != 7 {
		t.Fatalf("expected replaced acker to receive the ack, got %v", acker2.acked)
	}
}

type recorderConn struct {
	onWrite func(data []byte)
}

func (r *recorderConn) WriteMessage(_ int, data []byte) error {
	r.onWrite(data)
	return nil
}
