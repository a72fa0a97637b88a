package flowcontrol

import (
	"testing"
	"time"
)

func TestInOrderAcceptAdvancesLastSeq(t *testing.T) {
	w := New(0)
	deliver, buffered, err := w.Accept(1, []byte("a"))
	if err != nil || !deliver || buffered {
		t.Fatalf("accept 1 = %v, %v, %v", deliver, buffered, err)
	}
	if w.LastSeq() != 1 {
		t.Fatalf("lastSeq = %d, want 1", w.LastSeq())
	}
}

func TestOutOfOrderBuffersThenDrains(t *testing.T) {
	w := New(0)
	if _, _, err := w.Accept(1, []byte("a")); err != nil {
		t.Fatal(err)
	}
	deliver, buffered, err := w.Accept(3, []byte("c"))
	if err != nil || deliver || !buffered {
		t.Fatalf("accept 3 = %v, %v, %v", deliver, buffered, err)
	}
	if _, _, err := w.Accept(2, []byte("b")); err != nil {
		t.Fatal(err)
	}
	drained := w.Drain()
	if len(drained) != 1 {
		t.Fatalf("drained %d payloads, want 1", len(drained))
	}
	if string(drained[0]) != "c" {
		t.Fatalf("drain order = %v", drained)
	}
	if w.LastSeq() != 3 {
		t.Fatalf("lastSeq after drain = %d, want 3", w.LastSeq())
	}
}

func TestDuplicateSequenceRejected(t *testing.T) {
	w := New(0)
	if _, _, err := w.Accept(1, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := w.Accept(1, []byte("a")); err == nil {
		t.Fatal("expected duplicate rejection")
	}
}

func TestRecoveryBufferBounded(t *testing.T) {
	w := New(0)
	if _, _, err := w.Accept(1, []byte("a")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < RecoveryLimit; i++ {
		seq := uint32(100 + i)
		if _, _, err := w.Accept(seq, []byte("x")); err != nil {
			t.Fatalf("accept %d: %v", seq, err)
		}
	}
	if _, _, err := w.Accept(uint32(100+RecoveryLimit), []byte("x")); err == nil {
		t.Fatal("expected recovery buffer full rejection")
	}
}

func TestEnqueueRejectsOversizePayload(t *testing.T) {
	w := New(4)
	if _, err := w.Enqueue(1, []byte("12345"), time.Now()); err == nil {
		t.Fatal("expected ErrPayloadTooLarge")
	}
}

func TestPendingQueueIsFIFO(t *testing.T) {
	w := New(0)
	now := time.Now()
	if _, err := w.Enqueue(1, []byte("a"), now); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Enqueue(2, []byte("b"), now); err != nil {
		t.Fatal(err)
	}
	pending := w.Pending()
	if len(pending) != 2 || pending[0].Sequence != 1 || pending[1].Sequence != 2 {
		t.Fatalf("pending order = %+v, want FIFO [1, 2]", pending)
	}
}

func TestAckReleasesPending(t *testing.T) {
	w := New(0)
	now := time.Now()
	if _, err := w.Enqueue(1, []byte("a"), now); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Enqueue(2, []byte("b"), now); err != nil {
		t.Fatal(err)
	}
	w.Ack(1)
	pending := w.Pending()
	if len(pending) != 1 || pending[0].Sequence != 2 {
		t.Fatalf("pending after ack(1) = %+v, want only seq 2", pending)
	}
}

func TestDueForRetransmitRespectsTimeoutAndWindow(t *testing.T) {
	w := New(0)
	base := time.Now()
	for i := uint32(1); i <= 5; i++ {
		if _, err := w.Enqueue(i, []byte("x"), base); err != nil {
			t.Fatal(err)
		}
	}
	due := w.DueForRetransmit(base.Add(RetransmitTimeout))
	if len(due) != RetransmitWindow {
		t.Fatalf("due = %d, want %d (RetransmitWindow cap)", len(due), RetransmitWindow)
	}
}

func TestExhaustedAfterMaxRetransmissions(t *testing.T) {
	w := New(0)
	now := time.Now()
	if _, err := w.Enqueue(1, []byte("x"), now); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < MaxRetransmissions; i++ {
		now = now.Add(RetransmitTimeout)
		w.DueForRetransmit(now)
	}
	if len(w.Exhausted()) != 1 {
		t.Fatalf("exhausted = %d, want 1", len(w.Exhausted()))
	}
}
