package ethernet

import (
	"testing"

	"github.com/bartuakyurek/covertchan/internal/packetcraft"
	"net"
)

func buildEthernetFrame(t *testing.T, computeChecksum bool) *Frame {
	t.Helper()
	ipPkt, err := packetcraft.Build(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 9999, 8888, []byte("[0]hi"), computeChecksum)
	if err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, 14+len(ipPkt))
	raw[12] = 0x08
	raw[13] = 0x00
	copy(raw[14:], ipPkt)
	f, ok := Parse(raw)
	if !ok {
		t.Fatal("Parse returned ok=false")
	}
	return f
}

func TestHasUDPAndChecksumZero(t *testing.T) {
	f := buildEthernetFrame(t, false)
	offset, ok := f.HasUDP()
	if !ok {
		t.Fatal("expected UDP layer")
	}
	if !f.ChecksumZero(offset) {
		t.Fatal("expected zero checksum")
	}
}

func TestRecomputeUDPChecksumMitigates(t *testing.T) {
	f := buildEthernetFrame(t, false)
	offset, ok := f.HasUDP()
	if !ok {
		t.Fatal("expected UDP layer")
	}
	if err := f.RecomputeUDPChecksum(offset); err != nil {
		t.Fatal(err)
	}
	if f.ChecksumZero(offset) {
		t.Fatal("expected non-zero checksum after mitigation recompute")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	f := buildEthernetFrame(t, true)
	out := f.Serialize()
	f2, ok := Parse(out)
	if !ok {
		t.Fatal("re-parse failed")
	}
	if f2.EtherType != EtherTypeIPv4 {
		t.Fatalf("EtherType = %x, want %x", f2.EtherType, EtherTypeIPv4)
	}
}

func TestParseUndersized(t *testing.T) {
	_, ok := Parse([]byte{1, 2, 3})
	if ok {
		t.Fatal("expected ok=false for undersized frame")
	}
}
