package packetcraft

import (
	"net"
	"testing"
)

func TestBuildParseRoundTrip(t *testing.T) {
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	payload := []byte("[0]hello")

	pkt, err := Build(src, dst, 9999, 8888, payload, true)
	if err != nil {
		t.Fatal(err)
	}
	dg, err := Parse(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if !dg.ChecksumPresent {
		t.Fatal("expected checksum present for bit=1 packet")
	}
	if string(dg.Payload) != string(payload) {
		t.Fatalf("payload = %q, want %q", dg.Payload, payload)
	}
	if dg.SrcPort != 9999 || dg.DstPort != 8888 {
		t.Fatalf("ports = %d/%d, want 9999/8888", dg.SrcPort, dg.DstPort)
	}
}

func TestBuildZeroChecksum(t *testing.T) {
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")

	pkt, err := Build(src, dst, 9999, 8888, []byte("[1]x"), false)
	if err != nil {
		t.Fatal(err)
	}
	dg, err := Parse(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if dg.ChecksumPresent {
		t.Fatal("expected checksum absent for bit=0 packet")
	}
}

func TestBuildForBitInvalid(t *testing.T) {
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	_, err := BuildForBit(src, dst, 1, 2, nil, 2)
	if err != ErrInvalidBit {
		t.Fatalf("err = %v, want ErrInvalidBit", err)
	}
}

func TestParseShortPacket(t *testing.T) {
	_, err := Parse([]byte{0x45, 0x00})
	if err == nil {
		t.Fatal("expected error for short packet")
	}
}
