// Package integration wires the sender, receiver, and processor together
// over a bus.Local and a loopback packetcraft pair, exercising two
// properties of spec.md §8 that only make sense end-to-end: lossless round
// trip and mitigation defeating the channel.
package integration

import (
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bartuakyurek/covertchan/internal/bus"
	"github.com/bartuakyurek/covertchan/internal/ethernet"
	"github.com/bartuakyurek/covertchan/internal/logging"
	"github.com/bartuakyurek/covertchan/internal/packetcraft"
	"github.com/bartuakyurek/covertchan/internal/processor"
	"github.com/bartuakyurek/covertchan/internal/receiver"
	"github.com/bartuakyurek/covertchan/internal/sender"
)

var (
	srcIP = net.ParseIP("10.0.0.1")
	dstIP = net.ParseIP("10.0.0.2")
)

func testLogger() *logging.Logger {
	return logging.New("integration-test", logging.ERROR, io.Discard)
}

// busSink implements sender.PacketSink by publishing an Ethernet-wrapped
// IPv4/UDP datagram onto the bus's forward ingress subject.
type busSink struct {
	b *bus.Local
}

func (s *busSink) SendPacket(seq int, payload []byte, bit int) error {
	ipPkt, err := packetcraft.BuildForBit(srcIP, dstIP, netioAckPort, netioOvertPort, payload, normalizeBit(bit))
	if err != nil {
		return err
	}
	frame := &ethernet.Frame{EtherType: ethernet.EtherTypeIPv4, Payload: ipPkt}
	return s.b.Publish("inpktsec", frame.Serialize())
}

// normalizeBit maps the sentinel (past-bitstream) value to 1, since a
// sentinel packet carries a computed checksum indistinguishable from bit=1.
func normalizeBit(bit int) int {
	if bit == sender.BitSentinel {
		return 1
	}
	return bit
}

const (
	netioOvertPort = 8888
	netioAckPort   = 9999
)

// busAckSink implements receiver.AckSink by publishing the ACK datagram
// back onto the bus's reverse ingress subject.
type busAckSink struct {
	b *bus.Local
}

func (a *busAckSink) SendAck(seq int) error {
	ipPkt, err := packetcraft.Build(dstIP, srcIP, netioOvertPort, netioAckPort, []byte(strconv.Itoa(seq)), true)
	if err != nil {
		return err
	}
	frame := &ethernet.Frame{EtherType: ethernet.EtherTypeIPv4, Payload: ipPkt}
	return a.b.Publish("inpktinsec", frame.Serialize())
}

// wireReceiverLoop subscribes to the processor's forward-egress subject and
// feeds every datagram into r.
func wireReceiverLoop(b *bus.Local, r *receiver.Receiver, done <-chan struct{}) {
	ch, _ := b.Subscribe("outpktinsec")
	for {
		select {
		case <-done:
			return
		case data := <-ch:
			frame, ok := ethernet.Parse(data)
			if !ok {
				continue
			}
			dg, err := packetcraft.Parse(frame.Payload)
			if err != nil {
				continue
			}
			r.HandlePacket(dg.Payload, dg.ChecksumPresent)
		}
	}
}

// wireSenderAckLoop subscribes to the processor's reverse-egress subject and
// delivers every ACK back into s.
func wireSenderAckLoop(b *bus.Local, s *sender.Sender, done <-chan struct{}) {
	ch, _ := b.Subscribe("outpktsec")
	for {
		select {
		case <-done:
			return
		case data := <-ch:
			frame, ok := ethernet.Parse(data)
			if !ok {
				continue
			}
			dg, err := packetcraft.Parse(frame.Payload)
			if err != nil {
				continue
			}
			seq, err := strconv.Atoi(string(dg.Payload))
			if err != nil {
				continue
			}
			s.DeliverAck(seq)
		}
	}
}

func runProcessor(t *testing.T, b *bus.Local, cfg processor.Config) (stop func()) {
	t.Helper()
	p := processor.New(b, cfg, testLogger())
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(done)
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func TestEndToEndRoundTripWithoutMitigation(t *testing.T) {
	b := bus.NewLocal()
	stop := runProcessor(t, b, processor.Config{Mitigation: false})
	defer stop()

	ackDone := make(chan struct{})
	recvDone := make(chan struct{})
	ack := &busAckSink{b: b}
	r := receiver.New(ack, testLogger())
	go wireReceiverLoop(b, r, recvDone)
	defer close(recvDone)

	sink := &busSink{b: b}
	params := sender.Params{MaxUDPPayload: 64, Window: 4, Timeout: 300 * time.Millisecond, MaxTransmissions: 3, PostSendWait: 100 * time.Millisecond}
	s := sender.New(sink, params, testLogger())
	go wireSenderAckLoop(b, s, ackDone)
	defer close(ackDone)

	carrier := []byte(repeat("carrier-chunk-", 100))
	if err := s.Send(carrier, "HI", sender.ModeCovert); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := r.GetCovertMessage(); got != "HI" {
		t.Fatalf("end-to-end decoded message = %q, want %q", got, "HI")
	}
}

func TestEndToEndMitigationDefeatsChannel(t *testing.T) {
	b := bus.NewLocal()
	stop := runProcessor(t, b, processor.Config{Mitigation: true})
	defer stop()

	recvDone := make(chan struct{})
	ack := &busAckSink{b: b}
	r := receiver.New(ack, testLogger())
	go wireReceiverLoop(b, r, recvDone)
	defer close(recvDone)

	ackDone := make(chan struct{})
	sink := &busSink{b: b}
	params := sender.Params{MaxUDPPayload: 64, Window: 4, Timeout: 300 * time.Millisecond, MaxTransmissions: 3, PostSendWait: 100 * time.Millisecond}
	s := sender.New(sink, params, testLogger())
	go wireSenderAckLoop(b, s, ackDone)
	defer close(ackDone)

	carrier := []byte(repeat("carrier-chunk-", 100))
	if err := s.Send(carrier, "HI", sender.ModeCovert); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := r.GetCovertMessage(); got == "HI" {
		t.Fatal("expected mitigation to prevent the covert message from decoding correctly")
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
