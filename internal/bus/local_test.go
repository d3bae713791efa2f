package bus

import (
	"testing"
	"time"
)

func TestLocalPublishSubscribe(t *testing.T) {
	b := NewLocal()
	ch, err := b.Subscribe("inpktsec")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish("inpktsec", []byte("frame")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if string(got) != "frame" {
			t.Fatalf("got %q, want %q", got, "frame")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestLocalFlushNoOp(t *testing.T) {
	b := NewLocal()
	if err := b.Flush(time.Second); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestLocalCrossSubjectIsolation(t *testing.T) {
	b := NewLocal()
	chA, _ := b.Subscribe("outpktsec")
	chB, _ := b.Subscribe("outpktinsec")
	b.Publish("outpktsec", []byte("a"))

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("expected message on outpktsec")
	}
	select {
	case <-chB:
		t.Fatal("unexpected message on outpktinsec")
	case <-time.After(50 * time.Millisecond):
	}
}
